package mpegts

import "fmt"

const (
	pidPAT     = 0x0000
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// Stream types carried in the PMT.
const (
	StreamTypeMPEG1Audio = 0x03
	StreamTypeMPEG2Audio = 0x04
	StreamTypePrivate    = 0x06
	StreamTypeAAC        = 0x0F
	StreamTypeH264       = 0x1B
	StreamTypeH265       = 0x24
)

// Program is one PAT entry.
type Program struct {
	Number uint16
	PMTPID uint16
}

// ElementaryStream is one PMT entry.
type ElementaryStream struct {
	PID        uint16
	StreamType uint8
}

// sections walks the PSI sections in a pointer-field-prefixed payload and
// calls fn for each complete one. It reports whether every section was
// complete, so callers can keep accumulating a partial table.
func sections(payload []byte, fn func(tableID byte, section []byte) error) (bool, error) {
	if len(payload) < 1 {
		return false, nil
	}
	off := 1 + int(payload[0])
	for off < len(payload) {
		if payload[off] == 0xFF {
			return true, nil
		}
		if off+3 > len(payload) {
			return false, nil
		}
		if payload[off+1]&0x80 == 0 {
			// Zero padding rather than a section header.
			return true, nil
		}
		end := off + 3 + (int(payload[off+1]&0x0F)<<8 | int(payload[off+2]))
		if end > len(payload) {
			return false, nil
		}
		if err := fn(payload[off], payload[off:end]); err != nil {
			return true, err
		}
		off = end
	}
	return off > 1+int(payload[0]), nil
}

func parsePAT(section []byte) ([]Program, error) {
	if err := verifyCRC(section); err != nil {
		return nil, fmt.Errorf("PAT: %w", err)
	}
	if len(section) < 12 {
		return nil, fmt.Errorf("mpegts: PAT too short (%d bytes)", len(section))
	}
	var progs []Program
	for i := 8; i+4 <= len(section)-4; i += 4 {
		num := uint16(section[i])<<8 | uint16(section[i+1])
		if num == 0 {
			continue // network PID
		}
		progs = append(progs, Program{
			Number: num,
			PMTPID: uint16(section[i+2]&0x1F)<<8 | uint16(section[i+3]),
		})
	}
	return progs, nil
}

func parsePMT(section []byte) ([]ElementaryStream, error) {
	if err := verifyCRC(section); err != nil {
		return nil, fmt.Errorf("PMT: %w", err)
	}
	if len(section) < 16 {
		return nil, fmt.Errorf("mpegts: PMT too short (%d bytes)", len(section))
	}
	off := 12 + (int(section[10]&0x0F)<<8 | int(section[11]))
	end := len(section) - 4

	var streams []ElementaryStream
	for off+5 <= end {
		streams = append(streams, ElementaryStream{
			StreamType: section[off],
			PID:        uint16(section[off+1]&0x1F)<<8 | uint16(section[off+2]),
		})
		off += 5 + (int(section[off+3]&0x0F)<<8 | int(section[off+4]))
	}
	return streams, nil
}
