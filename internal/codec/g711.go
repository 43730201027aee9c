package codec

// G.711 u-law decoding table: each u-law byte to a 16-bit linear sample.
var ulawToLinear [256]int16

// G.711 a-law decoding table: each a-law byte to a 16-bit linear sample.
var alawToLinear [256]int16

// Encoding tables indexed by the sample reinterpreted as uint16.
var (
	linearToUlaw [65536]uint8
	linearToAlaw [65536]uint8
)

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeUlaw(uint8(i))
		alawToLinear[i] = decodeAlaw(uint8(i))
	}
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeUlaw(int16(i))
		linearToAlaw[uint16(int16(i))] = encodeAlaw(int16(i))
	}
}

const (
	ulawBias = 0x84
	ulawClip = 8159
)

var (
	segUEnd = [8]int{0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF, 0x1FFF}
	segAEnd = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}
)

// segment returns the first segment whose end is >= v, or 8.
func segment(v int, ends *[8]int) int {
	for i, end := range ends {
		if v <= end {
			return i
		}
	}
	return 8
}

func decodeUlaw(u uint8) int16 {
	u = ^u
	t := (int(u&0x0F) << 3) + ulawBias
	t <<= (u & 0x70) >> 4
	if u&0x80 != 0 {
		return int16(ulawBias - t)
	}
	return int16(t - ulawBias)
}

func decodeAlaw(a uint8) int16 {
	a ^= 0x55
	t := int(a&0x0F) << 4
	seg := int(a&0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= uint(seg - 1)
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

func encodeUlaw(sample int16) uint8 {
	pcm := int(sample) >> 2
	mask := uint8(0xFF)
	if pcm < 0 {
		pcm = -pcm
		mask = 0x7F
	}
	if pcm > ulawClip {
		pcm = ulawClip
	}
	pcm += ulawBias >> 2

	seg := segment(pcm, &segUEnd)
	if seg >= 8 {
		return 0x7F ^ mask
	}
	uval := uint8(seg<<4) | uint8((pcm>>(uint(seg)+1))&0x0F)
	return uval ^ mask
}

func encodeAlaw(sample int16) uint8 {
	pcm := int(sample) >> 3
	mask := uint8(0xD5)
	if pcm < 0 {
		mask = 0x55
		pcm = -pcm - 1
	}

	seg := segment(pcm, &segAEnd)
	if seg >= 8 {
		return 0x7F ^ mask
	}
	aval := uint8(seg << 4)
	if seg < 2 {
		aval |= uint8((pcm >> 1) & 0x0F)
	} else {
		aval |= uint8((pcm >> uint(seg)) & 0x0F)
	}
	return aval ^ mask
}

// UlawToLinear decodes one u-law byte.
func UlawToLinear(u uint8) int16 { return ulawToLinear[u] }

// AlawToLinear decodes one a-law byte.
func AlawToLinear(a uint8) int16 { return alawToLinear[a] }

// LinearToUlaw encodes one linear sample.
func LinearToUlaw(s int16) uint8 { return linearToUlaw[uint16(s)] }

// LinearToAlaw encodes one linear sample.
func LinearToAlaw(s int16) uint8 { return linearToAlaw[uint16(s)] }
