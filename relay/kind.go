package relay

// Kind - тип входящего события
type Kind int

const (
	KindStatus Kind = iota
	KindIsConnected
	KindPortName
	KindSupports
	KindProtocolID
	KindProtocolName
	KindSupportedCommands
	KindQuery
	KindStart
	KindStop
	KindWatch
	KindUnwatch
	KindUnwatchAll
	KindHasName
	KindClose

	kindCount
)

// Имена событий на транспорте
var kindNames = [kindCount]string{
	KindStatus:            "status",
	KindIsConnected:       "is_connected",
	KindPortName:          "port_name",
	KindSupports:          "supports",
	KindProtocolID:        "protocol_id",
	KindProtocolName:      "protocol_name",
	KindSupportedCommands: "supported_commands",
	KindQuery:             "query",
	KindStart:             "start",
	KindStop:              "stop",
	KindWatch:             "watch",
	KindUnwatch:           "unwatch",
	KindUnwatchAll:        "unwatch_all",
	KindHasName:           "has_name",
	KindClose:             "close",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, kindCount)
	for k, name := range kindNames {
		m[name] = Kind(k)
	}
	return m
}()

// Исходящие события, которые не зеркалят входящие
const (
	EventError       = "error"
	EventWatchUpdate = "watch_update"
)

func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return "unknown"
	}
	return kindNames[k]
}

// ParseKind возвращает тип события по имени
func ParseKind(name string) (Kind, bool) {
	k, ok := kindsByName[name]
	return k, ok
}

// Kinds возвращает все типы событий
func Kinds() []Kind {
	kinds := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// reserved сообщает, что имя занято встроенным событием
func reserved(name string) bool {
	if _, ok := ParseKind(name); ok {
		return true
	}
	return name == EventError || name == EventWatchUpdate
}
