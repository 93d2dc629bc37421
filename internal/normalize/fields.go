// ABOUTME: Field-variant extraction for every payload kind and raw encoding
// ABOUTME: The only place that knows the many spellings stacks use for the same field

package normalize

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/2389/mesh-bridge/internal/identity"
	"github.com/2389/mesh-bridge/internal/mesh"
	"github.com/2389/mesh-bridge/internal/meshwire"
)

// ErrUndecodable is returned when a payload is present but cannot be parsed
// as the declared kind.
var ErrUndecodable = errors.New("payload not decodable")

// object is a mapping-style record whose keys are matched by canonical name,
// so "hopLimit", "hop_limit" and "HopLimit" all address the same field.
type object interface {
	field(name string) (any, bool)
}

// canonicalName folds case and drops separators.
func canonicalName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '_', '-', ' ', '.':
			continue
		}
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

type mapObject map[string]any

func (m mapObject) field(name string) (any, bool) {
	if v, ok := m[name]; ok {
		return v, v != nil
	}
	want := canonicalName(name)
	for k, v := range m {
		if canonicalName(k) == want {
			return v, v != nil
		}
	}
	return nil, false
}

type jsonObject struct {
	r gjson.Result
}

func (j jsonObject) field(name string) (any, bool) {
	want := canonicalName(name)
	var out gjson.Result
	found := false
	j.r.ForEach(func(k, v gjson.Result) bool {
		if canonicalName(k.String()) == want {
			out, found = v, true
			return false
		}
		return true
	})
	if !found || out.Type == gjson.Null {
		return nil, false
	}
	return out, true
}

// first returns the first present field among the variants.
func first(obj object, names ...string) (any, bool) {
	for _, n := range names {
		if v, ok := obj.field(n); ok {
			return v, true
		}
	}
	return nil, false
}

func toObject(v any) (object, bool) {
	switch t := v.(type) {
	case map[string]any:
		return mapObject(t), true
	case mapObject:
		return t, true
	case gjson.Result:
		if t.IsObject() {
			return jsonObject{r: t}, true
		}
	case json.RawMessage:
		r := gjson.ParseBytes(t)
		if r.IsObject() {
			return jsonObject{r: r}, true
		}
	}
	return nil, false
}

func toArray(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []map[string]any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out, true
	case gjson.Result:
		if !t.IsArray() {
			return nil, false
		}
		arr := t.Array()
		out := make([]any, len(arr))
		for i := range arr {
			out[i] = arr[i]
		}
		return out, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = n
	case gjson.Result:
		switch t.Type {
		case gjson.Number:
			f = t.Num
		case gjson.String:
			return toFloat(t.Str)
		default:
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	case gjson.Result:
		if t.Type == gjson.String {
			return t.Str, true
		}
		if t.Type == gjson.Number {
			return t.Raw, true
		}
	case fmt.Stringer:
		return t.String(), true
	}
	return "", false
}

func floatField(obj object, names ...string) *float64 {
	v, ok := first(obj, names...)
	if !ok {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	return &f
}

func intField(obj object, names ...string) *int {
	f := floatField(obj, names...)
	if f == nil {
		return nil
	}
	i := int(*f)
	return &i
}

func stringField(obj object, names ...string) string {
	v, ok := first(obj, names...)
	if !ok {
		return ""
	}
	s, _ := toString(v)
	return s
}

func objectField(obj object, names ...string) (object, bool) {
	v, ok := first(obj, names...)
	if !ok {
		return nil, false
	}
	return toObject(v)
}

func boolField(obj object, names ...string) bool {
	v, ok := first(obj, names...)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case gjson.Result:
		return t.Bool()
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	}
	f, ok := toFloat(v)
	return ok && f != 0
}

// nodeIDValue accepts numeric node numbers and any textual id form.
func nodeIDValue(v any) string {
	if s, ok := v.(string); ok {
		return mesh.NormalizeNodeID(s)
	}
	if r, ok := v.(gjson.Result); ok && r.Type == gjson.String {
		return mesh.NormalizeNodeID(r.Str)
	}
	if n, ok := uint32Value(v); ok {
		return mesh.NodeIDFromNum(n)
	}
	return ""
}

// uint32Value accepts whole numbers that fit in 32 bits unsigned.
func uint32Value(v any) (uint32, bool) {
	f, ok := toFloat(v)
	if !ok || f < 0 || f > math.MaxUint32 || f != math.Trunc(f) {
		return 0, false
	}
	return uint32(f), true
}

func nodeIDField(obj object, names ...string) string {
	v, ok := first(obj, names...)
	if !ok {
		return ""
	}
	return nodeIDValue(v)
}

// relayValue renders the last-hop relay. Stacks report either the low byte of
// the relay's node number or a full id.
func relayValue(v any) string {
	if s, ok := toString(v); ok {
		if _, isNum := toFloat(v); !isNum {
			return mesh.NormalizeNodeID(s)
		}
	}
	n, ok := uint32Value(v)
	if !ok || n == 0 {
		return ""
	}
	if n <= 0xff {
		return fmt.Sprintf("%02x", n)
	}
	return mesh.NodeIDFromNum(n)
}

func timeField(obj object, names ...string) time.Time {
	v, ok := first(obj, names...)
	if !ok {
		return time.Time{}
	}
	if s, ok := toString(v); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(f), 0)
}

// declaredKinds maps every spelling of a payload kind to its canonical form.
// Keys are canonical names.
var declaredKinds = map[string]mesh.PayloadKind{
	"text":            mesh.KindText,
	"textmessage":     mesh.KindText,
	"textmessageapp":  mesh.KindText,
	"msg":             mesh.KindText,
	"chat":            mesh.KindText,
	"position":        mesh.KindPosition,
	"positionapp":     mesh.KindPosition,
	"telemetry":       mesh.KindTelemetry,
	"telemetryapp":    mesh.KindTelemetry,
	"nodeinfo":        mesh.KindNodeInfo,
	"nodeinfoapp":     mesh.KindNodeInfo,
	"user":            mesh.KindNodeInfo,
	"advert":          mesh.KindNodeInfo,
	"neighborinfo":    mesh.KindNeighborInfo,
	"neighborinfoapp": mesh.KindNeighborInfo,
	"neighbors":       mesh.KindNeighborInfo,
	"routing":         mesh.KindRouting,
	"routingapp":      mesh.KindRouting,
	"ack":             mesh.KindRouting,
}

// KindFromDeclared maps a stack's declared kind (name or port number) to a
// PayloadKind. Anything unrecognized is KindUnknown.
func KindFromDeclared(v any) mesh.PayloadKind {
	if f, ok := toFloat(v); ok {
		return KindFromPort(meshwire.PortNum(f))
	}
	s, ok := toString(v)
	if !ok {
		return mesh.KindUnknown
	}
	if k, ok := declaredKinds[canonicalName(s)]; ok {
		return k
	}
	return mesh.KindUnknown
}

// KindFromPort maps a radio port number to a PayloadKind.
func KindFromPort(p meshwire.PortNum) mesh.PayloadKind {
	switch p {
	case meshwire.PortText:
		return mesh.KindText
	case meshwire.PortPosition:
		return mesh.KindPosition
	case meshwire.PortNodeInfo:
		return mesh.KindNodeInfo
	case meshwire.PortRouting:
		return mesh.KindRouting
	case meshwire.PortTelemetry:
		return mesh.KindTelemetry
	case meshwire.PortNeighborInfo:
		return mesh.KindNeighborInfo
	}
	return mesh.KindUnknown
}

// ExtractPayload converts a decoded body of the given kind into its canonical
// payload. The body may already be canonical, a wire struct, encoded protobuf
// bytes, a map, or JSON.
func ExtractPayload(kind mesh.PayloadKind, body any) (mesh.Payload, error) {
	if body == nil {
		return nil, fmt.Errorf("%s: %w: empty body", kind, ErrUndecodable)
	}
	if kind == mesh.KindNeighborInfo {
		n, err := ExtractNeighborInfo(body)
		if err != nil {
			return nil, err
		}
		return *n, nil
	}
	if p, ok := body.(mesh.Payload); ok {
		if p.Kind() != kind {
			return nil, fmt.Errorf("%s: %w: got %s payload", kind, ErrUndecodable, p.Kind())
		}
		return p, nil
	}

	switch kind {
	case mesh.KindText:
		return extractText(body)
	case mesh.KindPosition:
		return extractPosition(body)
	case mesh.KindTelemetry:
		return extractTelemetry(body)
	case mesh.KindNodeInfo:
		return extractNodeInfo(body)
	case mesh.KindRouting:
		return extractRouting(body)
	}
	return nil, fmt.Errorf("%s: %w: kind has no payload", kind, ErrUndecodable)
}

func extractText(body any) (mesh.Payload, error) {
	switch t := body.(type) {
	case string:
		return mesh.TextPayload{Text: strings.ToValidUTF8(t, "�")}, nil
	case []byte:
		if !utf8.Valid(t) {
			return nil, fmt.Errorf("text: %w: invalid utf-8", ErrUndecodable)
		}
		return mesh.TextPayload{Text: string(t)}, nil
	case gjson.Result:
		if t.Type == gjson.String {
			return mesh.TextPayload{Text: t.Str}, nil
		}
	}
	obj, ok := toObject(body)
	if !ok {
		return nil, fmt.Errorf("text: %w: unsupported body %T", ErrUndecodable, body)
	}
	v, ok := first(obj, "text", "message", "msg", "payload")
	if !ok {
		return nil, fmt.Errorf("text: %w: no text field", ErrUndecodable)
	}
	return extractText(v)
}

func extractPosition(body any) (mesh.Payload, error) {
	switch t := body.(type) {
	case []byte:
		p, err := meshwire.DecodePosition(t)
		if err != nil {
			return nil, fmt.Errorf("position: %w: %v", ErrUndecodable, err)
		}
		return positionFromWire(p)
	case *meshwire.Position:
		return positionFromWire(t)
	}

	obj, ok := toObject(body)
	if !ok {
		return nil, fmt.Errorf("position: %w: unsupported body %T", ErrUndecodable, body)
	}
	lat := floatField(obj, "latitude", "lat")
	if lat == nil {
		if li := floatField(obj, "latitudeI", "latitude_i", "lat_i"); li != nil {
			lat = mesh.Float(*li * 1e-7)
		}
	}
	lon := floatField(obj, "longitude", "lon", "lng", "long")
	if lon == nil {
		if li := floatField(obj, "longitudeI", "longitude_i", "lon_i"); li != nil {
			lon = mesh.Float(*li * 1e-7)
		}
	}
	if lat == nil || lon == nil {
		return nil, fmt.Errorf("position: %w: missing coordinates", ErrUndecodable)
	}
	return mesh.PositionPayload{
		Latitude:  *lat,
		Longitude: *lon,
		Altitude:  floatField(obj, "altitude", "alt"),
	}, nil
}

func positionFromWire(p *meshwire.Position) (mesh.Payload, error) {
	lat, okLat := p.Latitude()
	lon, okLon := p.Longitude()
	if !okLat || !okLon {
		return nil, fmt.Errorf("position: %w: missing coordinates", ErrUndecodable)
	}
	out := mesh.PositionPayload{Latitude: lat, Longitude: lon}
	if p.Altitude != nil {
		out.Altitude = mesh.Float(float64(*p.Altitude))
	}
	return out, nil
}

func extractTelemetry(body any) (mesh.Payload, error) {
	switch t := body.(type) {
	case []byte:
		tel, err := meshwire.DecodeTelemetry(t)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w: %v", ErrUndecodable, err)
		}
		return telemetryFromWire(tel), nil
	case *meshwire.Telemetry:
		return telemetryFromWire(t), nil
	}

	obj, ok := toObject(body)
	if !ok {
		return nil, fmt.Errorf("telemetry: %w: unsupported body %T", ErrUndecodable, body)
	}

	// Metrics may be flat or grouped by sensor family.
	scopes := []object{obj}
	for _, group := range []string{"deviceMetrics", "environmentMetrics", "airQualityMetrics", "powerMetrics"} {
		if sub, ok := objectField(obj, group); ok {
			scopes = append(scopes, sub)
		}
	}
	lookup := func(names ...string) *float64 {
		for _, s := range scopes {
			if v := floatField(s, names...); v != nil {
				return v
			}
		}
		return nil
	}

	out := mesh.TelemetryPayload{
		BatteryLevel: lookup("batteryLevel", "battery", "battery_percent"),
		Voltage:      lookup("voltage", "batteryVoltage", "volts"),
		Temperature:  lookup("temperature", "temp"),
		Humidity:     lookup("relativeHumidity", "humidity"),
		Pressure:     lookup("barometricPressure", "pressure"),
		AirQuality:   lookup("iaq", "airQuality", "air_quality_index"),
	}
	return out, nil
}

func telemetryFromWire(t *meshwire.Telemetry) mesh.Payload {
	var out mesh.TelemetryPayload
	if t.BatteryLevel != nil {
		out.BatteryLevel = mesh.Float(float64(*t.BatteryLevel))
	}
	if t.Voltage != nil {
		out.Voltage = mesh.Float(float64(*t.Voltage))
	}
	if t.Temperature != nil {
		out.Temperature = mesh.Float(float64(*t.Temperature))
	}
	if t.RelativeHumidity != nil {
		out.Humidity = mesh.Float(float64(*t.RelativeHumidity))
	}
	if t.BarometricPressure != nil {
		out.Pressure = mesh.Float(float64(*t.BarometricPressure))
	}
	if t.IAQ != nil {
		out.AirQuality = mesh.Float(float64(*t.IAQ))
	}
	return out
}

func extractNodeInfo(body any) (mesh.Payload, error) {
	switch t := body.(type) {
	case []byte:
		u, err := meshwire.DecodeUser(t)
		if err != nil {
			return nil, fmt.Errorf("nodeinfo: %w: %v", ErrUndecodable, err)
		}
		return nodeInfoFromWire(u), nil
	case *meshwire.User:
		return nodeInfoFromWire(t), nil
	}

	obj, ok := toObject(body)
	if !ok {
		return nil, fmt.Errorf("nodeinfo: %w: unsupported body %T", ErrUndecodable, body)
	}
	if user, ok := objectField(obj, "user"); ok {
		obj = user
	}
	out := mesh.NodeInfoPayload{
		UserID:    nodeIDField(obj, "id", "userId", "nodeId"),
		LongName:  stringField(obj, "longName", "name", "advName"),
		ShortName: stringField(obj, "shortName"),
		HWModel:   stringField(obj, "hwModel", "hardware"),
	}
	if v, ok := first(obj, "publicKey", "pubKey", "public_key"); ok {
		out.PublicKey = keyBytes(v)
	}
	if out.UserID == "" && out.LongName == "" && out.ShortName == "" && out.PublicKey == nil {
		return nil, fmt.Errorf("nodeinfo: %w: no identifying fields", ErrUndecodable)
	}
	return out, nil
}

func nodeInfoFromWire(u *meshwire.User) mesh.Payload {
	out := mesh.NodeInfoPayload{
		UserID:    mesh.NormalizeNodeID(u.ID),
		LongName:  u.LongName,
		ShortName: u.ShortName,
		PublicKey: u.PublicKey,
	}
	if u.HWModel != 0 {
		out.HWModel = strconv.FormatUint(uint64(u.HWModel), 10)
	}
	return out
}

// keyBytes decodes a public key in any stored form.
func keyBytes(v any) []byte {
	if r, ok := v.(gjson.Result); ok {
		v = r.String()
	}
	canon, err := identity.CanonicalKey(v)
	if err != nil {
		return nil
	}
	b, err := hex.DecodeString(canon)
	if err != nil {
		return nil
	}
	return b
}

// ExtractNeighborInfo reads a NeighborInfo report from any supported encoding:
// the canonical payload, the wire struct or its encoded bytes, a map, or JSON.
func ExtractNeighborInfo(body any) (*mesh.NeighborInfoPayload, error) {
	switch t := body.(type) {
	case mesh.NeighborInfoPayload:
		return &t, nil
	case *mesh.NeighborInfoPayload:
		return t, nil
	case []byte:
		n, err := meshwire.DecodeNeighborInfo(t)
		if err != nil {
			return nil, fmt.Errorf("neighborinfo: %w: %v", ErrUndecodable, err)
		}
		return neighborInfoFromWire(n), nil
	case *meshwire.NeighborInfo:
		return neighborInfoFromWire(t), nil
	case string:
		body = gjson.Parse(t)
	}

	obj, ok := toObject(body)
	if !ok {
		return nil, fmt.Errorf("neighborinfo: %w: unsupported body %T", ErrUndecodable, body)
	}
	out := &mesh.NeighborInfoPayload{
		NodeID: nodeIDField(obj, "nodeId", "node_id", "node", "id", "from"),
	}
	if v := intField(obj, "nodeBroadcastIntervalSecs", "broadcastInterval", "interval"); v != nil {
		out.BroadcastInterval = *v
	}

	raw, _ := first(obj, "neighbors", "neighbours")
	list, _ := toArray(raw)
	for _, item := range list {
		nobj, ok := toObject(item)
		if !ok {
			continue
		}
		n := mesh.Neighbor{
			NodeID:     nodeIDField(nobj, "nodeId", "node_id", "id", "node"),
			SNR:        floatField(nobj, "snr", "rxSnr"),
			LastRxTime: timeField(nobj, "lastRxTime", "last_rx", "lastHeard"),
		}
		if n.NodeID == "" {
			continue
		}
		if v := intField(nobj, "nodeBroadcastIntervalSecs", "broadcastInterval", "interval"); v != nil {
			n.BroadcastInterval = *v
		}
		out.Neighbors = append(out.Neighbors, n)
	}
	if out.NodeID == "" && len(out.Neighbors) == 0 {
		return nil, fmt.Errorf("neighborinfo: %w: no reporter or neighbors", ErrUndecodable)
	}
	return out, nil
}

func neighborInfoFromWire(n *meshwire.NeighborInfo) *mesh.NeighborInfoPayload {
	out := &mesh.NeighborInfoPayload{
		BroadcastInterval: int(n.NodeBroadcastIntervalSec),
	}
	if n.NodeID != 0 {
		out.NodeID = mesh.NodeIDFromNum(n.NodeID)
	}
	for _, e := range n.Neighbors {
		nb := mesh.Neighbor{
			NodeID:            mesh.NodeIDFromNum(e.NodeID),
			BroadcastInterval: int(e.NodeBroadcastIntervalSec),
		}
		if e.SNR != nil {
			nb.SNR = mesh.Float(float64(*e.SNR))
		}
		if e.LastRxTime != 0 {
			nb.LastRxTime = time.Unix(int64(e.LastRxTime), 0)
		}
		out.Neighbors = append(out.Neighbors, nb)
	}
	return out
}

func extractRouting(body any) (mesh.Payload, error) {
	switch t := body.(type) {
	case []byte:
		r, err := meshwire.DecodeRouting(t)
		if err != nil {
			return nil, fmt.Errorf("routing: %w: %v", ErrUndecodable, err)
		}
		return mesh.RoutingPayload{ErrorReason: int(r.ErrorReason)}, nil
	case *meshwire.Routing:
		return mesh.RoutingPayload{ErrorReason: int(t.ErrorReason)}, nil
	}
	obj, ok := toObject(body)
	if !ok {
		return nil, fmt.Errorf("routing: %w: unsupported body %T", ErrUndecodable, body)
	}
	out := mesh.RoutingPayload{}
	if v := intField(obj, "errorReason", "error"); v != nil {
		out.ErrorReason = *v
	}
	return out, nil
}
