//go:build cuda

package device

import "gorgonia.org/cu"

func acceleratorCount() int {
	n, err := cu.NumDevices()
	if err != nil {
		return 0
	}
	return n
}

func acceleratorName(idx int) (string, error) {
	name, err := cu.Device(idx).Name()
	if err != nil {
		return "", err
	}
	mem, err := cu.Device(idx).TotalMem()
	if err != nil {
		return name, nil
	}
	return name + ", " + formatBytes(mem), nil
}
