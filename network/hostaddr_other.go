//go:build !linux

package network

func detectExternalAddress() (string, error) {
	return "", ErrNoExternalAddress
}
