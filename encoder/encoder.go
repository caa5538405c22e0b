// Package encoder превращает значения клиента OBD в данные, совместимые с JSON.
//
// Правила применяются по приоритету: пустой ответ, ответ с данными, величина с
// единицей, команда, множество, прочие коллекции. Значение, которое не удалось
// представить, делает весь результат ошибкой *UnsupportedTypeError.
package encoder

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"obd-relay/common"
)

// Единицы времени ответа
const (
	TimeMilliseconds = "ms"
	TimeSeconds      = "s"
)

// UnsupportedTypeError - значение нельзя представить в JSON
type UnsupportedTypeError struct {
	Type reflect.Type
	Path string
}

func (e *UnsupportedTypeError) Error() string {
	path := e.Path
	if path == "" {
		path = "$"
	}
	return fmt.Sprintf("encoder: object of type %s at %s is not JSON serializable", e.Type, path)
}

// Options управляет форматом вывода
type Options struct {
	TimeUnit  string `mapstructure:"time_unit"`  // "ms" (целое, по умолчанию) или "s" (дробное)
	ExposeRaw bool   `mapstructure:"expose_raw"` // Добавлять сообщения и кадры шины в ответы
}

// DefaultOptions возвращает настройки по умолчанию
func DefaultOptions() Options {
	return Options{TimeUnit: TimeMilliseconds}
}

// Validate проверяет настройки
func (o Options) Validate() error {
	switch o.TimeUnit {
	case TimeMilliseconds, TimeSeconds:
		return nil
	default:
		return fmt.Errorf("encoder: unknown time unit %q, expected %q or %q", o.TimeUnit, TimeMilliseconds, TimeSeconds)
	}
}

// Encoder преобразует значения клиента OBD
type Encoder struct {
	opts Options
}

// New создает кодировщик
func New(opts Options) *Encoder {
	if opts.TimeUnit == "" {
		opts.TimeUnit = TimeMilliseconds
	}
	return &Encoder{opts: opts}
}

// Options возвращает настройки кодировщика
func (e *Encoder) Options() Options {
	return e.opts
}

// Marshal кодирует значение в JSON
func (e *Encoder) Marshal(v interface{}) ([]byte, error) {
	plain, err := e.Encode(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(plain)
}

// Encode возвращает значение, которое encoding/json кодирует без ошибок
func (e *Encoder) Encode(v interface{}) (interface{}, error) {
	return e.encode(v, "")
}

func (e *Encoder) encode(v interface{}, path string) (interface{}, error) {
	switch o := v.(type) {
	case nil:
		return nil, nil

	case *common.Response:
		return e.encodeResponse(o, path)
	case common.Response:
		return e.encodeResponse(&o, path)

	case common.Quantity:
		return o.Magnitude, nil
	case *common.Quantity:
		if o == nil {
			return nil, nil
		}
		return o.Magnitude, nil

	case *common.Command:
		if o == nil {
			return nil, nil
		}
		return map[string]interface{}{"name": o.Name, "desc": o.Desc}, nil
	case common.Command:
		return map[string]interface{}{"name": o.Name, "desc": o.Desc}, nil

	case common.CommandSet:
		list := make([]interface{}, 0, len(o))
		for _, cmd := range o.Sorted() {
			item, _ := e.encode(cmd, path)
			list = append(list, item)
		}
		return list, nil

	case common.Status:
		return e.encodeStatus(o), nil
	case *common.Status:
		if o == nil {
			return nil, nil
		}
		return e.encodeStatus(*o), nil
	case common.StatusTest:
		return encodeStatusTest(o), nil
	case common.MonitorTest:
		return encodeMonitorTest(o), nil
	case *common.MonitorTest:
		if o == nil {
			return nil, nil
		}
		return encodeMonitorTest(*o), nil

	case common.Protocol:
		return map[string]interface{}{"id": o.ID, "name": o.Name}, nil
	case common.ECU:
		return o.String(), nil

	case common.Message:
		return e.encodeMessage(o), nil
	case common.Frame:
		return e.encodeFrame(o), nil

	case []byte:
		return bytesList(o), nil

	case string, bool, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		json.Number, json.RawMessage:
		return o, nil

	case json.Marshaler:
		return o, nil
	}

	return e.encodeReflect(reflect.ValueOf(v), path)
}

func (e *Encoder) encodeResponse(r *common.Response, path string) (interface{}, error) {
	if r.IsNull() {
		return nil, nil
	}

	value, err := e.encode(r.Value, join(path, "value"))
	if err != nil {
		return nil, err
	}
	command, _ := e.encode(r.Command, path)

	out := map[string]interface{}{
		"value":   value,
		"command": command,
		"time":    e.encodeTime(r),
		"unit":    r.Unit(),
	}

	if e.opts.ExposeRaw {
		messages := make([]interface{}, 0, len(r.Messages))
		for _, msg := range r.Messages {
			messages = append(messages, e.encodeMessage(msg))
		}
		out["messages"] = messages
	}
	return out, nil
}

func (e *Encoder) encodeTime(r *common.Response) interface{} {
	if r.Time.IsZero() {
		return nil
	}
	if e.opts.TimeUnit == TimeSeconds {
		return float64(r.Time.UnixNano()) / 1e9
	}
	return r.Time.UnixMilli()
}

func (e *Encoder) encodeStatus(s common.Status) map[string]interface{} {
	tests := make([]interface{}, 0, len(s.Tests))
	for _, test := range s.Tests {
		tests = append(tests, encodeStatusTest(test))
	}
	return map[string]interface{}{
		"MIL":           s.MIL,
		"DTC_COUNT":     s.DTCCount,
		"ignition_type": s.IgnitionType,
		"tests":         tests,
	}
}

func encodeStatusTest(t common.StatusTest) map[string]interface{} {
	return map[string]interface{}{
		"name":      t.Name,
		"available": t.Available,
		"complete":  t.Complete,
	}
}

func encodeMonitorTest(t common.MonitorTest) map[string]interface{} {
	return map[string]interface{}{
		"tid":   t.TID,
		"name":  t.Name,
		"desc":  t.Desc,
		"value": t.Value.Magnitude,
		"min":   t.Min.Magnitude,
		"max":   t.Max.Magnitude,
	}
}

// Сообщения и кадры видны только при expose_raw
func (e *Encoder) encodeMessage(m common.Message) interface{} {
	if !e.opts.ExposeRaw {
		return nil
	}
	frames := make([]interface{}, 0, len(m.Frames))
	for _, f := range m.Frames {
		frames = append(frames, e.encodeFrame(f))
	}
	return map[string]interface{}{
		"ecu":    m.ECU.String(),
		"tx_id":  m.TxID,
		"data":   bytesList(m.Data),
		"frames": frames,
	}
}

func (e *Encoder) encodeFrame(f common.Frame) interface{} {
	if !e.opts.ExposeRaw {
		return nil
	}
	return map[string]interface{}{
		"raw":       f.Raw,
		"data":      bytesList(f.Data),
		"data_len":  f.DataLen,
		"priority":  f.Priority,
		"addr_mode": f.AddrMode,
		"rx_id":     f.RxID,
		"tx_id":     f.TxID,
		"type":      f.Type,
		"seq_index": f.SeqIndex,
	}
}

// encodeReflect обрабатывает множества, коллекции и указатели
func (e *Encoder) encodeReflect(rv reflect.Value, path string) (interface{}, error) {
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return e.encode(rv.Elem().Interface(), path)

	case reflect.Map:
		if isSet(rv.Type()) {
			return e.encodeSet(rv, path)
		}
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &UnsupportedTypeError{Type: rv.Type(), Path: path}
		}
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			item, err := e.encode(iter.Value().Interface(), join(path, key))
			if err != nil {
				return nil, err
			}
			out[key] = item
		}
		return out, nil

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return []interface{}{}, nil
		}
		list := make([]interface{}, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item, err := e.encode(rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil

	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}

	return nil, &UnsupportedTypeError{Type: rv.Type(), Path: path}
}

// isSet - map[K]struct{} или map[K]bool
func isSet(t reflect.Type) bool {
	elem := t.Elem()
	return (elem.Kind() == reflect.Struct && elem.NumField() == 0) || elem.Kind() == reflect.Bool
}

func (e *Encoder) encodeSet(rv reflect.Value, path string) (interface{}, error) {
	onlyTrue := rv.Type().Elem().Kind() == reflect.Bool

	list := make([]interface{}, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		if onlyTrue && !iter.Value().Bool() {
			continue
		}
		item, err := e.encode(iter.Key().Interface(), path)
		if err != nil {
			return nil, err
		}
		list = append(list, item)
	}

	// Порядок множества не определен, сортируем для стабильного вывода
	sort.SliceStable(list, func(i, j int) bool {
		return fmt.Sprint(list[i]) < fmt.Sprint(list[j])
	})
	return list, nil
}

func bytesList(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	if strings.HasPrefix(key, "[") {
		return path + key
	}
	return path + "." + key
}
