// Package util provides small helpers shared by the server packages.
//
// Key utilities:
//   - SafeTruncate: shortens secrets to a loggable prefix
//   - NormalizeURL: canonical form used for redirect_uri comparison
package util
