// Package session mirrors live connection state into Redis so that operators
// and sibling services can see who is connected and which rooms they joined.
// The in-process room registry stays authoritative.
package session
