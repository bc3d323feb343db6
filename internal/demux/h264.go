package demux

import (
	"errors"
	"fmt"
)

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

// NALUnit is one NAL unit without its start code.
type NALUnit struct {
	Type byte
	Data []byte
}

// SPSInfo is the subset of an H.264 sequence parameter set the player needs.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
}

// CodecString returns the RFC 6381 codec string, e.g. "avc1.42E01E".
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

var errBitsExhausted = errors.New("demux: bitstream exhausted")

// bitReader reads MSB-first. The first read past the end sets err and every
// later read returns zero.
type bitReader struct {
	data []byte
	pos  int
	err  error
}

func (br *bitReader) bits(n int) uint {
	var v uint
	for range n {
		if br.pos >= len(br.data)*8 {
			br.err = errBitsExhausted
			return 0
		}
		bit := br.data[br.pos/8] >> (7 - br.pos%8) & 1
		v = v<<1 | uint(bit)
		br.pos++
	}
	return v
}

func (br *bitReader) flag() bool { return br.bits(1) == 1 }

// ue reads an unsigned Exp-Golomb code.
func (br *bitReader) ue() uint {
	zeros := 0
	for !br.flag() {
		if br.err != nil || zeros > 31 {
			br.err = errBitsExhausted
			return 0
		}
		zeros++
	}
	return 1<<zeros - 1 + br.bits(zeros)
}

func (br *bitReader) se() int {
	v := br.ue()
	if v&1 == 1 {
		return int(v+1) / 2
	}
	return -int(v / 2)
}

func (br *bitReader) skipScalingList(size int) {
	last, next := 8, 8
	for range size {
		if next != 0 {
			next = (last + br.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

func highProfile(p uint) bool {
	switch p {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	}
	return false
}

// ParseSPS extracts geometry and profile from an SPS NAL unit including its
// header byte.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, fmt.Errorf("demux: SPS too short (%d bytes)", len(nalu))
	}
	br := &bitReader{data: unescapeRBSP(nalu[1:])}

	profile := br.bits(8)
	constraints := br.bits(8)
	level := br.bits(8)
	br.ue() // seq_parameter_set_id

	chroma := uint(1)
	separatePlanes := false
	if highProfile(profile) {
		chroma = br.ue()
		if chroma == 3 {
			separatePlanes = br.flag()
		}
		br.ue()    // bit_depth_luma_minus8
		br.ue()    // bit_depth_chroma_minus8
		br.bits(1) // qpprime_y_zero_transform_bypass_flag
		if br.flag() {
			lists := 8
			if chroma == 3 {
				lists = 12
			}
			for i := range lists {
				if br.flag() {
					size := 16
					if i >= 6 {
						size = 64
					}
					br.skipScalingList(size)
				}
			}
		}
	}

	br.ue() // log2_max_frame_num_minus4
	switch br.ue() {
	case 0:
		br.ue()
	case 1:
		br.bits(1)
		br.se()
		br.se()
		for range br.ue() {
			br.se()
		}
	}
	br.ue()    // max_num_ref_frames
	br.bits(1) // gaps_in_frame_num_value_allowed_flag

	widthMbs := br.ue() + 1
	heightMapUnits := br.ue() + 1
	frameMbsOnly := br.bits(1)
	if frameMbsOnly == 0 {
		br.bits(1)
	}
	br.bits(1) // direct_8x8_inference_flag

	var cropL, cropR, cropT, cropB uint
	if br.flag() {
		cropL, cropR, cropT, cropB = br.ue(), br.ue(), br.ue(), br.ue()
	}
	if br.err != nil {
		return SPSInfo{}, fmt.Errorf("demux: SPS: %w", br.err)
	}

	subW, subH := uint(2), uint(2)
	switch {
	case separatePlanes || chroma == 0 || chroma == 3:
		subW, subH = 1, 1
	case chroma == 2:
		subH = 1
	}
	unitY := subH * (2 - frameMbsOnly)

	return SPSInfo{
		Width:           int(widthMbs*16 - subW*(cropL+cropR)),
		Height:          int(heightMapUnits*16*(2-frameMbsOnly) - unitY*(cropT+cropB)),
		ProfileIDC:      byte(profile),
		ConstraintFlags: byte(constraints),
		LevelIDC:        byte(level),
	}, nil
}

// unescapeRBSP strips emulation prevention bytes (00 00 03).
func unescapeRBSP(b []byte) []byte {
	out := make([]byte, 0, len(b))
	zeros := 0
	for _, c := range b {
		if zeros >= 2 && c == 3 {
			zeros = 0
			continue
		}
		if c == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, c)
	}
	return out
}

// ParseAnnexB splits an Annex B byte stream on 3- and 4-byte start codes.
func ParseAnnexB(data []byte) []NALUnit {
	var units []NALUnit
	start := -1
	for i := 0; i+2 < len(data); {
		if data[i] != 0 || data[i+1] != 0 || data[i+2] != 1 {
			i++
			continue
		}
		if start >= 0 {
			units = appendNAL(units, trimZeros(data[start:i]))
		}
		i += 3
		start = i
	}
	if start >= 0 && start < len(data) {
		units = appendNAL(units, data[start:])
	}
	return units
}

// trimZeros drops the leading zero of a following 4-byte start code.
func trimZeros(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

func appendNAL(units []NALUnit, b []byte) []NALUnit {
	if len(b) == 0 {
		return units
	}
	return append(units, NALUnit{Type: b[0] & 0x1F, Data: b})
}
