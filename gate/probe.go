package gate

import "github.com/shirou/gopsutil/v3/mem"

// VirtualMemoryAvailable is the default MemoryProbe.
func VirtualMemoryAvailable() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}
