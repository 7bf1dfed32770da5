package mem

import "strconv"

// Size is an amount of memory in bytes.
type Size uint64

// Binary size units.
const (
	Byte Size = 1
	Kb        = Byte << 10
	Mb        = Kb << 10
	Gb        = Mb << 10
)

// Pages returns how many pages are needed to hold s bytes.
func (s Size) Pages() uint64 {
	return uint64(s>>PageShift) + uint64(min(s&(PageSize-1), 1))
}

// String formats s using the largest unit that divides it exactly.
func (s Size) String() string {
	switch {
	case s == 0:
		return "0B"
	case s%Gb == 0:
		return strconv.FormatUint(uint64(s/Gb), 10) + "GiB"
	case s%Mb == 0:
		return strconv.FormatUint(uint64(s/Mb), 10) + "MiB"
	case s%Kb == 0:
		return strconv.FormatUint(uint64(s/Kb), 10) + "KiB"
	}
	return strconv.FormatUint(uint64(s), 10) + "B"
}
