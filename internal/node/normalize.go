package node

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/meshspy/dashboard/internal/geo"
)

// coordinateScale converts latitude_i/longitude_i to degrees.
const coordinateScale = 1e7

// ErrMalformedRecord marks a record that could not be normalized.
var ErrMalformedRecord = errors.New("malformed node record")

// RawRecord is one entry of the backend node mapping, in backend order.
type RawRecord struct {
	ID  string
	Raw json.RawMessage
}

// Dropped describes a record left out of a batch.
type Dropped struct {
	ID  string
	Err error
}

// Result is the outcome of normalizing one batch.
type Result struct {
	Nodes   []Node
	Dropped []Dropped
	// Unplaced lists kept nodes whose coordinates were rejected. Those nodes
	// appear in Nodes without a position.
	Unplaced []Dropped
}

// Backend record shape. Observed revisions wrap the payload once
// (data.payload) or twice (data.data.payload).
type wireRecord struct {
	Name   string    `json:"name"`
	Online *bool     `json:"online"`
	Data   *wireData `json:"data"`
}

type wireData struct {
	Payload json.RawMessage `json:"payload"`
	Data    *wireData       `json:"data"`
	Lat     *float64        `json:"lat"`
	Lon     *float64        `json:"lon"`
	Online  *bool           `json:"online"`
}

type wirePayload struct {
	LatitudeI  *json.Number `json:"latitude_i"`
	LongitudeI *json.Number `json:"longitude_i"`
	LongName   string       `json:"longname"`
	ShortName  string       `json:"shortname"`
}

// Normalize converts a batch of backend records into canonical nodes.
// Records that cannot be normalized are reported in Result.Dropped; the rest
// of the batch is unaffected. A record whose only fault is its coordinates is
// kept without a position and reported in Result.Unplaced.
func Normalize(records []RawRecord) Result {
	res := Result{Nodes: make([]Node, 0, len(records))}
	for _, rec := range records {
		n, posErr, err := normalizeRecord(rec)
		if err != nil {
			res.Dropped = append(res.Dropped, Dropped{ID: rec.ID, Err: err})
			continue
		}
		if posErr != nil {
			res.Unplaced = append(res.Unplaced, Dropped{ID: n.ID, Err: posErr})
		}
		res.Nodes = append(res.Nodes, n)
	}
	return res
}

// normalizeRecord returns the node, the reason its position was discarded if
// any, and an error when the record has to be dropped.
func normalizeRecord(rec RawRecord) (Node, error, error) {
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return Node{}, nil, fmt.Errorf("%w: empty id", ErrMalformedRecord)
	}
	trimmed := bytes.TrimSpace(rec.Raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Node{}, nil, fmt.Errorf("%w: %s is not an object", ErrMalformedRecord, id)
	}

	var wr wireRecord
	if err := json.Unmarshal(trimmed, &wr); err != nil {
		return Node{}, nil, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, id, err)
	}

	// Most specific first.
	var wrappers []*wireData
	if wr.Data != nil {
		if wr.Data.Data != nil {
			wrappers = append(wrappers, wr.Data.Data)
		}
		wrappers = append(wrappers, wr.Data)
	}

	payloads := make([]wirePayload, 0, len(wrappers))
	for _, w := range wrappers {
		p, ok, err := decodePayload(w.Payload)
		if err != nil {
			return Node{}, nil, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, id, err)
		}
		if ok {
			payloads = append(payloads, p)
		}
	}

	n := Node{
		ID:     id,
		Name:   resolveName(id, wr.Name, payloads),
		Online: resolveOnline(wr.Online, wrappers),
		Raw:    append(json.RawMessage(nil), trimmed...),
	}

	pos, ok, err := resolvePosition(payloads, wrappers)
	if err != nil {
		return n, fmt.Errorf("%s: %w", id, err), nil
	}
	if ok {
		lat, lng := pos.Lat, pos.Lng
		n.Latitude = &lat
		n.Longitude = &lng
	}
	return n, nil, nil
}

// decodePayload interprets a payload that is a JSON object. Text messages carry
// a string payload; those hold no node data and are skipped.
func decodePayload(raw json.RawMessage) (wirePayload, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return wirePayload{}, false, nil
	}
	var p wirePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return wirePayload{}, false, err
	}
	return p, true, nil
}

func resolveName(id, recordName string, payloads []wirePayload) string {
	for _, p := range payloads {
		if v := strings.TrimSpace(p.LongName); v != "" {
			return v
		}
	}
	for _, p := range payloads {
		if v := strings.TrimSpace(p.ShortName); v != "" {
			return v
		}
	}
	if v := strings.TrimSpace(recordName); v != "" {
		return v
	}
	return id
}

func resolveOnline(recordOnline *bool, wrappers []*wireData) *bool {
	if recordOnline != nil {
		return recordOnline
	}
	for _, w := range wrappers {
		if w.Online != nil {
			return w.Online
		}
	}
	return nil
}

// resolvePosition picks the first complete coordinate pair: scaled integers
// from the payloads, then the degree fields the backend keeps on the wrapper.
// A half-present pair is treated as absent.
func resolvePosition(payloads []wirePayload, wrappers []*wireData) (geo.LatLng, bool, error) {
	for _, p := range payloads {
		if p.LatitudeI == nil || p.LongitudeI == nil {
			continue
		}
		lat, err := scaled(*p.LatitudeI)
		if err != nil {
			return geo.LatLng{}, false, fmt.Errorf("latitude_i: %w", err)
		}
		lng, err := scaled(*p.LongitudeI)
		if err != nil {
			return geo.LatLng{}, false, fmt.Errorf("longitude_i: %w", err)
		}
		pos, err := geo.NewLatLng(lat, lng)
		if err != nil {
			return geo.LatLng{}, false, err
		}
		return pos, true, nil
	}
	for _, w := range wrappers {
		if w.Lat == nil || w.Lon == nil {
			continue
		}
		pos, err := geo.NewLatLng(*w.Lat, *w.Lon)
		if err != nil {
			return geo.LatLng{}, false, err
		}
		return pos, true, nil
	}
	return geo.LatLng{}, false, nil
}

func scaled(n json.Number) (float64, error) {
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return float64(i) / coordinateScale, nil
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return 0, err
	}
	return f / coordinateScale, nil
}
