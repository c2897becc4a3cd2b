package registry

// MinorsPerDevice is the number of minor numbers reserved for each device and its partitions.
const MinorsPerDevice = 16

// DeviceName appends a letter suffix to prefix: a..z, then aa, ab and so on.
func DeviceName(prefix string, index int) string {
	var suffix []byte
	for n := index; n >= 0; n = n/26 - 1 {
		suffix = append([]byte{byte('a' + n%26)}, suffix...)
	}

	return prefix + string(suffix)
}

func FirstMinor(index int) int {
	return index * MinorsPerDevice
}
