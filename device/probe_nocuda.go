//go:build !cuda

package device

import "errors"

func acceleratorCount() int {
	return 0
}

func acceleratorName(idx int) (string, error) {
	return "", errors.New("built without cuda support")
}
