// Package observer collects the containers a project has on each node.
//
// Nodes are queried concurrently, each under its own deadline. A node that
// errors or times out is kept in the observation as unreachable so the
// planner can treat it conservatively instead of assuming it is empty.
package observer
