// Package devicecode implements the AAD v1 device-code interactive flow.
package devicecode
