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

var errShortSPS = errors.New("demux: SPS truncated")

// SPS holds the sequence parameters the recorder needs: picture size,
// profile/level for the codec string, and the nominal frame rate when the
// VUI carries timing info.
type SPS struct {
	Width       int
	Height      int
	Profile     byte
	Constraints byte
	Level       byte
	FrameRate   int // 0 when the stream does not signal it
}

// CodecString returns the RFC 6381 codec parameter, e.g. "avc1.64001F".
func (s SPS) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.Profile, s.Constraints, s.Level)
}

type bitReader struct {
	data []byte
	pos  int
	bit  int
}

func (br *bitReader) u(n int) (uint, error) {
	var v uint
	for i := 0; i < n; i++ {
		if br.pos >= len(br.data) {
			return 0, errShortSPS
		}
		v = v<<1 | uint(br.data[br.pos]>>(7-br.bit)&1)
		if br.bit++; br.bit == 8 {
			br.bit = 0
			br.pos++
		}
	}
	return v, nil
}

// ue reads an unsigned Exp-Golomb code.
func (br *bitReader) ue() (uint, error) {
	zeros := 0
	for {
		b, err := br.u(1)
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		if zeros++; zeros > 31 {
			return 0, errShortSPS
		}
	}
	suffix, err := br.u(zeros)
	if err != nil {
		return 0, err
	}
	return 1<<zeros - 1 + suffix, nil
}

func (br *bitReader) se() (int, error) {
	v, err := br.ue()
	if err != nil {
		return 0, err
	}
	if v%2 == 0 {
		return -int(v / 2), nil
	}
	return int(v+1) / 2, nil
}

func (br *bitReader) skipScalingList(size int) error {
	last, next := 8, 8
	for j := 0; j < size; j++ {
		if next != 0 {
			delta, err := br.se()
			if err != nil {
				return err
			}
			next = (last + delta + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
	return nil
}

// highProfile reports whether profile_idc carries chroma_format_idc and
// the scaling matrix fields.
func highProfile(p uint) bool {
	switch p {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	}
	return false
}

// ParseSPS parses an SPS NAL unit, header byte included, start code
// excluded.
func ParseSPS(nalu []byte) (SPS, error) {
	if len(nalu) < 4 {
		return SPS{}, errShortSPS
	}
	br := &bitReader{data: unescapeRBSP(nalu[1:])}
	var err error
	// Reads after the first failure are no-ops; err is checked at the
	// points where a value is needed.
	read := func(n int) uint {
		if err != nil {
			return 0
		}
		var v uint
		v, err = br.u(n)
		return v
	}
	readUE := func() uint {
		if err != nil {
			return 0
		}
		var v uint
		v, err = br.ue()
		return v
	}
	readSE := func() {
		if err == nil {
			_, err = br.se()
		}
	}

	profile := read(8)
	constraints := read(8)
	level := read(8)
	readUE() // seq_parameter_set_id

	chroma := uint(1)
	separatePlanes := false
	if highProfile(profile) {
		chroma = readUE()
		if chroma == 3 {
			separatePlanes = read(1) == 1
		}
		readUE() // bit_depth_luma_minus8
		readUE() // bit_depth_chroma_minus8
		read(1)  // qpprime_y_zero_transform_bypass_flag
		if read(1) == 1 {
			lists := 8
			if chroma == 3 {
				lists = 12
			}
			for i := 0; i < lists && err == nil; i++ {
				if read(1) == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					err = br.skipScalingList(size)
				}
			}
		}
	}

	readUE() // log2_max_frame_num_minus4
	switch readUE() {
	case 0:
		readUE() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		read(1)
		readSE()
		readSE()
		n := readUE()
		for i := uint(0); i < n && err == nil; i++ {
			readSE()
		}
	}
	readUE() // max_num_ref_frames
	read(1)  // gaps_in_frame_num_value_allowed_flag

	widthMbs := readUE()
	heightMapUnits := readUE()
	frameMbsOnly := read(1)
	if frameMbsOnly == 0 {
		read(1) // mb_adaptive_frame_field_flag
	}
	read(1) // direct_8x8_inference_flag

	var cropL, cropR, cropT, cropB uint
	if read(1) == 1 {
		cropL, cropR, cropT, cropB = readUE(), readUE(), readUE(), readUE()
	}
	if err != nil {
		return SPS{}, err
	}

	subW, subH := uint(2), uint(2)
	switch {
	case separatePlanes || chroma == 0 || chroma == 3:
		subW, subH = 1, 1
	case chroma == 2:
		subH = 1
	}
	cropUnitY := subH * (2 - frameMbsOnly)

	sps := SPS{
		Width:       int((widthMbs+1)*16 - subW*(cropL+cropR)),
		Height:      int((heightMapUnits+1)*16*(2-frameMbsOnly) - cropUnitY*(cropT+cropB)),
		Profile:     byte(profile),
		Constraints: byte(constraints),
		Level:       byte(level),
	}
	sps.FrameRate = parseVUIFrameRate(br)
	return sps, nil
}

// parseVUIFrameRate reads the VUI up to timing_info and returns the frame
// rate it signals, or 0.
func parseVUIFrameRate(br *bitReader) int {
	if v, err := br.u(1); err != nil || v == 0 {
		return 0
	}
	if ar, _ := br.u(1); ar == 1 {
		if idc, _ := br.u(8); idc == 255 {
			br.u(32) // sar_width, sar_height
		}
	}
	if overscan, _ := br.u(1); overscan == 1 {
		br.u(1)
	}
	if signal, _ := br.u(1); signal == 1 {
		br.u(4)
		if colour, _ := br.u(1); colour == 1 {
			br.u(24)
		}
	}
	if loc, _ := br.u(1); loc == 1 {
		br.ue()
		br.ue()
	}
	timing, err := br.u(1)
	if err != nil || timing == 0 {
		return 0
	}
	units, _ := br.u(32)
	scale, err := br.u(32)
	if err != nil || units == 0 {
		return 0
	}
	// Two ticks per frame for progressive content.
	return int((scale + units) / (2 * units))
}

// unescapeRBSP removes emulation prevention bytes (00 00 03).
func unescapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
			continue
		}
		out = append(out, data[i])
	}
	return out
}

// NALUnit is one NAL unit without its start code.
type NALUnit struct {
	Type byte
	Data []byte
}

// ParseAnnexB splits an Annex B byte stream on 3- and 4-byte start codes.
// Data slices alias the input.
func ParseAnnexB(data []byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type bound struct{ sc, start int }
	var bounds []bound
	for i := 0; i < n-2; {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				bounds = append(bounds, bound{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				bounds = append(bounds, bound{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	units := make([]NALUnit, 0, len(bounds))
	for k, b := range bounds {
		end := n
		if k+1 < len(bounds) {
			end = bounds[k+1].sc
		}
		if b.start >= end {
			continue
		}
		nal := data[b.start:end]
		units = append(units, NALUnit{Type: nal[0] & 0x1F, Data: nal})
	}
	return units
}
