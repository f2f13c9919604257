package types

import (
	"fmt"

	"github.com/distribution/reference"
)

// NormalizeImage returns the fully qualified form of an image reference,
// adding the default registry and the latest tag when they are omitted, so
// "nginx" and "docker.io/library/nginx:latest" compare equal.
func NormalizeImage(image string) (string, error) {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", image, err)
	}
	return reference.TagNameOnly(named).String(), nil
}
