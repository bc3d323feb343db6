package demux

import (
	"github.com/zsiec/ccx"

	"github.com/zsiec/webvideo/internal/media"
)

// captionDecoder turns the CEA-608/708 payloads of H.264 SEI messages into
// caption cues. CEA-708 services are reported on channels 7-12.
type captionDecoder struct {
	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service
	dtvcc  []byte

	// Control codes are sent twice; the repeat is dropped per field.
	lastCtrl    [2][2]byte
	lastWasCtrl [2]bool
}

func newCaptionDecoder() *captionDecoder {
	c := &captionDecoder{
		cea608: make(map[int]*ccx.CEA608Decoder, 4),
		cea708: make(map[int]*ccx.CEA708Service, 6),
	}
	for ch := 1; ch <= 4; ch++ {
		c.cea608[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		c.cea708[svc] = ccx.NewCEA708Service()
	}
	return c
}

// decode consumes one SEI NAL unit and returns any cues it completed.
func (c *captionDecoder) decode(sei []byte) []media.Caption {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return nil
	}

	var cues []media.Caption
	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		f := pair.Field
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if c.lastWasCtrl[f] && c.lastCtrl[f] == cp {
				c.lastWasCtrl[f] = false
				continue
			}
			c.lastCtrl[f] = cp
			c.lastWasCtrl[f] = true
		} else {
			c.lastWasCtrl[f] = false
		}

		dec := c.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			cues = append(cues, media.Caption{Channel: pair.Channel, Text: text})
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			cues = c.drainDTVCC(cues)
			c.dtvcc = c.dtvcc[:0]
		}
		c.dtvcc = append(c.dtvcc, t.Data[0], t.Data[1])
	}
	return cues
}

func (c *captionDecoder) drainDTVCC(cues []media.Caption) []media.Caption {
	if len(c.dtvcc) < 1 {
		return cues
	}
	size := ccx.DTVCCPacketSize(c.dtvcc[0])
	if len(c.dtvcc) < size {
		return cues
	}
	for _, block := range ccx.ParseDTVCCPacket(c.dtvcc[:size]) {
		svc := c.cea708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			cues = append(cues, media.Caption{Channel: block.ServiceNum + 6, Text: text})
		}
	}
	return cues
}
