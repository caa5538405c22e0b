package common

import (
	"sort"
	"time"
)

// ECU обозначает блок управления, от которого пришел ответ
type ECU int

const (
	ECUUnknown ECU = iota
	ECUAll
	ECUEngine
	ECUTransmission
)

func (e ECU) String() string {
	switch e {
	case ECUAll:
		return "ALL"
	case ECUEngine:
		return "ENGINE"
	case ECUTransmission:
		return "TRANSMISSION"
	default:
		return "UNKNOWN"
	}
}

// Command описывает диагностический запрос (PID)
type Command struct {
	Name    string // Имя в реестре, например "RPM"
	Desc    string // Человеко-читаемое описание
	Command []byte // Байты запроса для ELM327, например "010C"
	Bytes   int    // Ожидаемая длина ответа без эха сервиса и PID
	Fast    bool   // Можно ли добавлять количество ответов к запросу
	ECU     ECU    // Какой блок должен отвечать
}

// Mode возвращает сервис OBD (первые два символа запроса)
func (c *Command) Mode() string {
	if len(c.Command) < 2 {
		return ""
	}
	return string(c.Command[:2])
}

// PID возвращает PID в hex (символы после сервиса)
func (c *Command) PID() string {
	if len(c.Command) < 4 {
		return ""
	}
	return string(c.Command[2:])
}

func (c *Command) String() string {
	return c.Name + ": " + c.Desc
}

// CommandSet представляет множество команд, ключ - имя команды
type CommandSet map[string]*Command

// Add добавляет команду в множество
func (s CommandSet) Add(cmd *Command) {
	s[cmd.Name] = cmd
}

// Has проверяет наличие команды в множестве
func (s CommandSet) Has(cmd *Command) bool {
	if cmd == nil {
		return false
	}
	_, ok := s[cmd.Name]
	return ok
}

// Sorted возвращает команды, упорядоченные по имени
func (s CommandSet) Sorted() []*Command {
	cmds := make([]*Command, 0, len(s))
	for _, cmd := range s {
		cmds = append(cmds, cmd)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds
}

// Quantity - значение с единицей измерения
type Quantity struct {
	Magnitude float64
	Unit      string
}

// StatusTest - результат одного теста готовности монитора
type StatusTest struct {
	Name      string
	Available bool
	Complete  bool
}

// Status - декодированный ответ на PID 01 (статус мониторов с момента сброса DTC)
type Status struct {
	MIL          bool
	DTCCount     int
	IgnitionType string
	Tests        []StatusTest
}

// MonitorTest - результат бортового теста сервиса 06
type MonitorTest struct {
	TID   int
	Name  string
	Desc  string
	Value Quantity
	Min   Quantity
	Max   Quantity
}

// Frame - одна строка ответа ELM327 на уровне шины
type Frame struct {
	Raw      string
	Data     []byte
	Priority int
	AddrMode int
	RxID     int
	TxID     int
	Type     int
	SeqIndex int
	DataLen  int
}

// Message - собранный из кадров ответ одного ECU
type Message struct {
	ECU    ECU
	TxID   int
	Data   []byte
	Frames []Frame
}

// Protocol - протокол шины, выбранный ELM327
type Protocol struct {
	ID   string
	Name string
}

// Protocols содержит протоколы ELM327 по номеру из ATDPN
var Protocols = map[string]Protocol{
	"0": {ID: "0", Name: "Automatic"},
	"1": {ID: "1", Name: "SAE J1850 PWM"},
	"2": {ID: "2", Name: "SAE J1850 VPW"},
	"3": {ID: "3", Name: "ISO 9141-2"},
	"4": {ID: "4", Name: "ISO 14230-4 (KWP 5BAUD)"},
	"5": {ID: "5", Name: "ISO 14230-4 (KWP FAST)"},
	"6": {ID: "6", Name: "ISO 15765-4 (CAN 11/500)"},
	"7": {ID: "7", Name: "ISO 15765-4 (CAN 29/500)"},
	"8": {ID: "8", Name: "ISO 15765-4 (CAN 11/250)"},
	"9": {ID: "9", Name: "ISO 15765-4 (CAN 29/250)"},
	"A": {ID: "A", Name: "SAE J1939 (CAN 29/250)"},
}

// IsCAN сообщает, использует ли протокол шину CAN
func (p Protocol) IsCAN() bool {
	switch p.ID {
	case "6", "7", "8", "9", "A":
		return true
	}
	return false
}

// Is29Bit сообщает, использует ли протокол 29-битные заголовки CAN
func (p Protocol) Is29Bit() bool {
	switch p.ID {
	case "7", "9", "A":
		return true
	}
	return false
}

// Response представляет ответ клиента на запрос команды.
// Ответ без значения (или nil) означает "нет данных".
type Response struct {
	Command  *Command
	Value    interface{}
	Messages []Message
	Time     time.Time
}

// IsNull возвращает true, если ответ не содержит данных
func (r *Response) IsNull() bool {
	return r == nil || r.Value == nil
}

// Unit возвращает единицу измерения значения, если оно Quantity
func (r *Response) Unit() string {
	if r == nil {
		return ""
	}
	switch v := r.Value.(type) {
	case Quantity:
		return v.Unit
	case *Quantity:
		if v != nil {
			return v.Unit
		}
	}
	return ""
}
