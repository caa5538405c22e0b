package obd

import (
	"encoding/hex"
	"sort"
	"strings"

	"obd-relay/common"
)

// Типы кадров ISO-TP
const (
	frameSingle      = 0
	frameFirst       = 1
	frameConsecutive = 2
)

// parseFrame разбирает одну строку ответа ELM327.
// Возвращает false для строк, которые не являются hex данными.
func parseFrame(line string, protocol common.Protocol, headers bool) (common.Frame, bool) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return common.Frame{}, false
	}

	frame := common.Frame{Raw: line}

	// У CAN 11-бит заголовок из трех hex символов
	var header []byte
	if headers && protocol.IsCAN() && !protocol.Is29Bit() && len(tokens[0]) == 3 {
		id, ok := parseHex("0" + tokens[0])
		if !ok {
			return common.Frame{}, false
		}
		header = id
		tokens = tokens[1:]
	}

	raw, ok := parseHex(strings.Join(tokens, ""))
	if !ok || len(raw) == 0 {
		return common.Frame{}, false
	}

	switch {
	case !headers:
		frame.Data = raw
		frame.DataLen = len(raw)
		return frame, true

	case protocol.IsCAN():
		if header != nil {
			frame.TxID = int(header[0])<<8 | int(header[1])
			frame.RxID = 0xF1
			frame.AddrMode = 0xD1
		} else {
			if len(raw) < 5 {
				return common.Frame{}, false
			}
			frame.Priority = int(raw[0])
			frame.AddrMode = int(raw[1])
			frame.RxID = int(raw[2])
			frame.TxID = int(raw[3])
			raw = raw[4:]
		}
		if len(raw) < 1 {
			return common.Frame{}, false
		}
		pci := raw[0]
		frame.Type = int(pci >> 4)
		switch frame.Type {
		case frameSingle:
			frame.DataLen = int(pci & 0x0F)
			frame.Data = clip(raw[1:], frame.DataLen)
		case frameFirst:
			if len(raw) < 2 {
				return common.Frame{}, false
			}
			frame.DataLen = int(pci&0x0F)<<8 | int(raw[1])
			frame.Data = raw[2:]
		case frameConsecutive:
			frame.SeqIndex = int(pci & 0x0F)
			frame.Data = raw[1:]
		default:
			return common.Frame{}, false
		}
		return frame, true

	default:
		// Устаревшие протоколы: приоритет, получатель, отправитель, данные, контрольная сумма
		if len(raw) < 5 {
			return common.Frame{}, false
		}
		frame.Priority = int(raw[0])
		frame.RxID = int(raw[1])
		frame.TxID = int(raw[2])
		frame.Data = raw[3 : len(raw)-1]
		frame.DataLen = len(frame.Data)
		return frame, true
	}
}

// parseMessages собирает кадры в сообщения по отправителю
func parseMessages(lines []string, protocol common.Protocol, headers bool) []common.Message {
	var order []int
	byTx := make(map[int][]common.Frame)

	for _, line := range lines {
		frame, ok := parseFrame(line, protocol, headers)
		if !ok {
			logger.Printf("Dropping non-data line: %q", line)
			continue
		}
		if _, seen := byTx[frame.TxID]; !seen {
			order = append(order, frame.TxID)
		}
		byTx[frame.TxID] = append(byTx[frame.TxID], frame)
	}

	messages := make([]common.Message, 0, len(order))
	for _, tx := range order {
		frames := byTx[tx]

		// Без заголовков каждая строка - отдельное сообщение
		if !headers {
			for _, f := range frames {
				messages = append(messages, common.Message{
					ECU:    common.ECUUnknown,
					Data:   f.Data,
					Frames: []common.Frame{f},
				})
			}
			continue
		}

		messages = append(messages, common.Message{
			ECU:    ecuFor(tx),
			TxID:   tx,
			Data:   assemble(frames),
			Frames: frames,
		})
	}
	return messages
}

// assemble склеивает многокадровый ответ ISO-TP
func assemble(frames []common.Frame) []byte {
	if len(frames) == 1 {
		return frames[0].Data
	}

	var first *common.Frame
	var rest []common.Frame
	for i := range frames {
		switch frames[i].Type {
		case frameFirst:
			first = &frames[i]
		case frameConsecutive:
			rest = append(rest, frames[i])
		}
	}
	if first == nil {
		var data []byte
		for _, f := range frames {
			data = append(data, f.Data...)
		}
		return data
	}

	sort.SliceStable(rest, func(i, j int) bool { return rest[i].SeqIndex < rest[j].SeqIndex })
	data := append([]byte(nil), first.Data...)
	for _, f := range rest {
		data = append(data, f.Data...)
	}
	return clip(data, first.DataLen)
}

func ecuFor(tx int) common.ECU {
	switch tx {
	case 0x7E8, 0x10:
		return common.ECUEngine
	case 0x7E9, 0x18:
		return common.ECUTransmission
	default:
		return common.ECUUnknown
	}
}

func parseHex(s string) ([]byte, bool) {
	if len(s)%2 != 0 {
		return nil, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}

func clip(b []byte, n int) []byte {
	if n >= 0 && n < len(b) {
		return b[:n]
	}
	return b
}
