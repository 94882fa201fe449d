package reg

import "math/bits"

// Set sets the given bits of register r.
func Set(b Bank, r Addr, mask uint32) {
	b.Write(r, b.Read(r)|mask)
}

// Clear clears the given bits of register r.
func Clear(b Bank, r Addr, mask uint32) {
	b.Write(r, b.Read(r)&^mask)
}

// SetMask clears the clear bits and then sets the set bits of register r
// in a single write.
func SetMask(b Bank, r Addr, clear, set uint32) {
	b.Write(r, (b.Read(r)&^clear)|set)
}

// Get extracts the field selected by mask from register r, shifted down to
// bit zero.
func Get(b Bank, r Addr, mask uint32) uint32 {
	return Field(b.Read(r), mask)
}

// Field extracts the field selected by mask from v, shifted down to bit
// zero.
func Field(v, mask uint32) uint32 {
	if mask == 0 {
		return 0
	}
	return (v & mask) >> bits.TrailingZeros32(mask)
}

// Value places v into the field selected by mask.
func Value(v, mask uint32) uint32 {
	if mask == 0 {
		return 0
	}
	return (v << bits.TrailingZeros32(mask)) & mask
}

// Wait polls register r until (value & mask) == want or spins polls have
// elapsed. It reports whether the condition was met.
func Wait(b Bank, r Addr, mask, want uint32, spins int) bool {
	for i := 0; i < spins; i++ {
		if b.Read(r)&mask == want {
			return true
		}
	}
	return false
}

// WaitSet polls until all bits of mask are set in register r.
func WaitSet(b Bank, r Addr, mask uint32, spins int) bool {
	return Wait(b, r, mask, mask, spins)
}

// WaitClear polls until all bits of mask are clear in register r.
func WaitClear(b Bank, r Addr, mask uint32, spins int) bool {
	return Wait(b, r, mask, 0, spins)
}
