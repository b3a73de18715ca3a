// Package authcode implements the AAD v1 authorization-code interactive flow.
package authcode
