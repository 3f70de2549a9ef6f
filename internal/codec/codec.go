// Package codec converts conversation state to and from storage bytes.
//
// Encoded values carry a small envelope: a two byte magic, the format
// version, the payload kind, the compression type, and the checkpoint
// version (generation and step) as uvarints. The payload is CBOR in Core
// Deterministic Encoding, optionally compressed. Fields the decoder does not
// recognise are kept on the decoded value and written back on the next encode.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/cloud-shuttle/switchboard/pkg/types"
	"github.com/fxamacker/cbor/v2"
)

const (
	magic0        byte = 'S'
	magic1        byte = 'B'
	formatVersion byte = 1

	kindState      byte = 1
	kindCheckpoint byte = 2

	headerLen = 5

	// DefaultCompressionThreshold is the payload size above which compression is attempted
	DefaultCompressionThreshold = 1024
)

var (
	// ErrNotEnveloped is returned by PeekVersion for data without an envelope
	ErrNotEnveloped = errors.New("data has no envelope")
)

// Options configures a Codec
type Options struct {
	Compression CompressionType
	Threshold   int
}

// Codec encodes and decodes conversation state. It is safe for concurrent use.
type Codec struct {
	enc        cbor.EncMode
	dec        cbor.DecMode
	compressor Compressor
	threshold  int
	// decoders for every compression type, so data written under a different
	// setting still decodes
	decompressors map[CompressionType]Compressor
}

// New creates a codec
func New(opts Options) (*Codec, error) {
	encOpts := cbor.CoreDetEncOptions()
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("creating cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("creating cbor decoder: %w", err)
	}

	c := &Codec{
		enc:           enc,
		dec:           dec,
		threshold:     opts.Threshold,
		decompressors: make(map[CompressionType]Compressor),
	}
	if c.threshold <= 0 {
		c.threshold = DefaultCompressionThreshold
	}
	for _, t := range []CompressionType{CompressionNone, CompressionZstd, CompressionLZ4} {
		comp, err := NewCompressor(t)
		if err != nil {
			return nil, err
		}
		c.decompressors[t] = comp
	}
	c.compressor = c.decompressors[opts.Compression]
	if c.compressor == nil {
		return nil, fmt.Errorf("unsupported compression type: %d", opts.Compression)
	}
	return c, nil
}

// MustNew is New for callers with static options
func MustNew(opts Options) *Codec {
	c, err := New(opts)
	if err != nil {
		panic("codec: " + err.Error())
	}
	return c
}

// EncodeState encodes a bare conversation state
func (c *Codec) EncodeState(s *types.ConversationState) ([]byte, error) {
	if s == nil {
		return nil, errors.New("encoding state: nil state")
	}
	payload, err := c.marshalState(s)
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	return c.seal(kindState, s.Version(), payload)
}

// DecodeState decodes bytes produced by EncodeState
func (c *Codec) DecodeState(data []byte) (*types.ConversationState, error) {
	kind, _, payload, err := c.open(data)
	if err != nil {
		return nil, corrupt(data, err)
	}
	if kind != kindState {
		return nil, corrupt(data, fmt.Errorf("unexpected payload kind %d", kind))
	}
	s, err := c.unmarshalState(payload)
	if err != nil {
		return nil, corrupt(data, err)
	}
	return s, nil
}

// EncodeCheckpoint encodes a checkpoint, its metadata and state
func (c *Codec) EncodeCheckpoint(cp *types.Checkpoint) ([]byte, error) {
	if cp == nil || cp.State == nil {
		return nil, errors.New("encoding checkpoint: nil state")
	}
	state, err := c.marshalState(cp.State)
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint: %w", err)
	}
	meta, err := c.marshalWithExtra(fromMetadata(cp.Metadata), cp.Metadata.Extra)
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint metadata: %w", err)
	}
	payload, err := c.marshalWithExtra(wireCheckpoint{Metadata: meta, State: state}, cp.Extra)
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint: %w", err)
	}
	return c.seal(kindCheckpoint, cp.Metadata.Version(), payload)
}

// DecodeCheckpoint decodes bytes produced by EncodeCheckpoint. Data without an
// envelope is decoded with the legacy JSON reader.
func (c *Codec) DecodeCheckpoint(data []byte) (*types.Checkpoint, error) {
	if !hasEnvelope(data) {
		cp, err := decodeLegacy(data)
		if err != nil {
			return nil, corrupt(data, err)
		}
		cp.Metadata.SizeBytes = len(data)
		return cp, nil
	}

	kind, _, payload, err := c.open(data)
	if err != nil {
		return nil, corrupt(data, err)
	}
	if kind != kindCheckpoint {
		return nil, corrupt(data, fmt.Errorf("unexpected payload kind %d", kind))
	}
	var w wireCheckpoint
	if err := c.dec.Unmarshal(payload, &w); err != nil {
		return nil, corrupt(data, err)
	}
	extra, err := c.splitExtra(payload, knownCheckpointFields)
	if err != nil {
		return nil, corrupt(data, err)
	}
	meta, err := c.unmarshalMetadata(w.Metadata)
	if err != nil {
		return nil, corrupt(data, err)
	}
	state, err := c.unmarshalState(w.State)
	if err != nil {
		return nil, corrupt(data, err)
	}
	meta.SizeBytes = len(data)
	return &types.Checkpoint{Metadata: meta, State: state, Extra: extra}, nil
}

// PeekVersion reads the checkpoint version from the envelope without decoding the payload
func PeekVersion(data []byte) (types.Version, error) {
	if !hasEnvelope(data) {
		return types.Version{}, ErrNotEnveloped
	}
	_, v, _, err := readHeader(data)
	return v, err
}

func hasEnvelope(data []byte) bool {
	return len(data) >= headerLen && data[0] == magic0 && data[1] == magic1
}

func (c *Codec) seal(kind byte, v types.Version, payload []byte) ([]byte, error) {
	comp := Compressor(NoopCompressor{})
	if len(payload) > c.threshold && c.compressor.Type() != CompressionNone {
		compressed, err := c.compressor.Compress(payload)
		switch {
		case err == nil:
			payload = compressed
			comp = c.compressor
		case errors.Is(err, errIncompressible):
		default:
			return nil, err
		}
	}

	out := make([]byte, 0, headerLen+2*binary.MaxVarintLen64+len(payload))
	out = append(out, magic0, magic1, formatVersion, kind, byte(comp.Type()))
	out = binary.AppendUvarint(out, uint64(v.Generation))
	out = binary.AppendUvarint(out, uint64(v.Step))
	return append(out, payload...), nil
}

func readHeader(data []byte) (byte, types.Version, int, error) {
	if !hasEnvelope(data) {
		return 0, types.Version{}, 0, ErrNotEnveloped
	}
	if data[2] != formatVersion {
		return 0, types.Version{}, 0, fmt.Errorf("unsupported format version %d", data[2])
	}
	off := headerLen
	gen, n := binary.Uvarint(data[off:])
	if n <= 0 {
		return 0, types.Version{}, 0, errors.New("bad generation")
	}
	off += n
	step, n := binary.Uvarint(data[off:])
	if n <= 0 {
		return 0, types.Version{}, 0, errors.New("bad step")
	}
	off += n
	return data[3], types.Version{Generation: int(gen), Step: int(step)}, off, nil
}

func (c *Codec) open(data []byte) (byte, types.Version, []byte, error) {
	kind, v, off, err := readHeader(data)
	if err != nil {
		return 0, v, nil, err
	}
	comp, ok := c.decompressors[CompressionType(data[4])]
	if !ok {
		return 0, v, nil, fmt.Errorf("unknown compression type %d", data[4])
	}
	payload, err := comp.Decompress(data[off:])
	if err != nil {
		return 0, v, nil, err
	}
	return kind, v, payload, nil
}

// Wire forms. Timestamps are RFC 3339 strings in UTC with nanosecond precision.

type wireTurn struct {
	Role      string `cbor:"role"`
	Content   string `cbor:"content"`
	Agent     string `cbor:"agent_type,omitempty"`
	Sentiment string `cbor:"sentiment,omitempty"`
	Timestamp string `cbor:"timestamp"`
}

type wireEscalation struct {
	From      string `cbor:"from"`
	To        string `cbor:"to"`
	Reason    string `cbor:"reason"`
	Level     int    `cbor:"level"`
	Timestamp string `cbor:"timestamp"`
}

type wireError struct {
	Agent     string `cbor:"agent"`
	Kind      string `cbor:"kind"`
	Message   string `cbor:"message"`
	Timestamp string `cbor:"timestamp"`
}

type wireState struct {
	ConversationID     string                    `cbor:"conversation_id"`
	SessionID          string                    `cbor:"session_id"`
	CustomerID         string                    `cbor:"customer_id,omitempty"`
	Generation         int                       `cbor:"generation"`
	Status             string                    `cbor:"status"`
	CreatedAt          string                    `cbor:"created_at"`
	LastActivityAt     string                    `cbor:"last_activity_at"`
	History            []cbor.RawMessage         `cbor:"history"`
	CurrentIntent      string                    `cbor:"current_intent,omitempty"`
	Sentiment          string                    `cbor:"sentiment,omitempty"`
	Session            map[string]any            `cbor:"session"`
	AgentState         map[string]map[string]any `cbor:"agent_state"`
	CurrentAgent       string                    `cbor:"current_agent,omitempty"`
	PreviousAgents     []string                  `cbor:"previous_agents"`
	EscalationLevel    int                       `cbor:"escalation_level"`
	Escalations        []cbor.RawMessage         `cbor:"escalations"`
	ErrorLog           []cbor.RawMessage         `cbor:"error_log"`
	ResolutionAttempts int                       `cbor:"resolution_attempts"`
	RequiresHuman      bool                      `cbor:"requires_human"`
	NegativeStreak     int                       `cbor:"negative_streak"`
}

type wireMetadata struct {
	ID             string `cbor:"id"`
	ConversationID string `cbor:"thread_id"`
	Source         string `cbor:"source"`
	Step           int    `cbor:"step"`
	Generation     int    `cbor:"generation"`
	ParentID       string `cbor:"parent_id,omitempty"`
	CreatedAt      string `cbor:"created_at"`
}

type wireCheckpoint struct {
	Metadata cbor.RawMessage `cbor:"metadata"`
	State    cbor.RawMessage `cbor:"state"`
}

var (
	knownStateFields      = fieldNames(reflect.TypeOf(wireState{}))
	knownTurnFields       = fieldNames(reflect.TypeOf(wireTurn{}))
	knownEscalationFields = fieldNames(reflect.TypeOf(wireEscalation{}))
	knownErrorFields      = fieldNames(reflect.TypeOf(wireError{}))
	knownMetadataFields   = fieldNames(reflect.TypeOf(wireMetadata{}))
	knownCheckpointFields = fieldNames(reflect.TypeOf(wireCheckpoint{}))
)

// fieldNames returns the cbor keys declared by a struct's tags
func fieldNames(t reflect.Type) map[string]struct{} {
	names := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("cbor")
		name, _, _ := strings.Cut(tag, ",")
		if name == "" || name == "-" {
			name = t.Field(i).Name
		}
		names[name] = struct{}{}
	}
	return names
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func (c *Codec) marshalState(s *types.ConversationState) ([]byte, error) {
	w := wireState{
		ConversationID:     s.ConversationID,
		SessionID:          s.SessionID,
		CustomerID:         s.CustomerID,
		Generation:         s.Generation,
		Status:             string(s.Status),
		CreatedAt:          formatTime(s.CreatedAt),
		LastActivityAt:     formatTime(s.LastActivityAt),
		CurrentIntent:      s.CurrentIntent,
		Sentiment:          string(s.Sentiment),
		CurrentAgent:       string(s.CurrentAgent),
		EscalationLevel:    s.EscalationLevel,
		ResolutionAttempts: s.ResolutionAttempts,
		RequiresHuman:      s.RequiresHuman,
		NegativeStreak:     s.NegativeStreak,
	}

	if s.History != nil {
		w.History = make([]cbor.RawMessage, len(s.History))
		for i, t := range s.History {
			raw, err := c.marshalWithExtra(wireTurn{
				Role:      string(t.Role),
				Content:   t.Content,
				Agent:     string(t.Agent),
				Sentiment: string(t.Sentiment),
				Timestamp: formatTime(t.Timestamp),
			}, t.Extra)
			if err != nil {
				return nil, fmt.Errorf("history[%d]: %w", i, err)
			}
			w.History[i] = raw
		}
	}
	if s.Session != nil {
		w.Session = nativeValues(s.Session)
	}
	if s.AgentState != nil {
		w.AgentState = make(map[string]map[string]any, len(s.AgentState))
		for agent, data := range s.AgentState {
			w.AgentState[string(agent)] = nativeValues(data)
		}
	}
	if s.PreviousAgents != nil {
		w.PreviousAgents = make([]string, len(s.PreviousAgents))
		for i, a := range s.PreviousAgents {
			w.PreviousAgents[i] = string(a)
		}
	}
	if s.Escalations != nil {
		w.Escalations = make([]cbor.RawMessage, len(s.Escalations))
		for i, e := range s.Escalations {
			raw, err := c.marshalWithExtra(wireEscalation{
				From:      string(e.From),
				To:        string(e.To),
				Reason:    e.Reason,
				Level:     e.Level,
				Timestamp: formatTime(e.Timestamp),
			}, e.Extra)
			if err != nil {
				return nil, fmt.Errorf("escalations[%d]: %w", i, err)
			}
			w.Escalations[i] = raw
		}
	}
	if s.ErrorLog != nil {
		w.ErrorLog = make([]cbor.RawMessage, len(s.ErrorLog))
		for i, e := range s.ErrorLog {
			raw, err := c.marshalWithExtra(wireError{
				Agent:     string(e.Agent),
				Kind:      e.Kind,
				Message:   e.Message,
				Timestamp: formatTime(e.Timestamp),
			}, e.Extra)
			if err != nil {
				return nil, fmt.Errorf("error_log[%d]: %w", i, err)
			}
			w.ErrorLog[i] = raw
		}
	}
	return c.marshalWithExtra(w, s.Extra)
}

func (c *Codec) unmarshalState(data []byte) (*types.ConversationState, error) {
	var w wireState
	if err := c.dec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	extra, err := c.splitExtra(data, knownStateFields)
	if err != nil {
		return nil, err
	}

	s := &types.ConversationState{
		ConversationID:     w.ConversationID,
		SessionID:          w.SessionID,
		CustomerID:         w.CustomerID,
		Generation:         w.Generation,
		Status:             types.ConversationStatus(w.Status),
		CurrentIntent:      w.CurrentIntent,
		Sentiment:          types.Sentiment(w.Sentiment),
		CurrentAgent:       types.AgentType(w.CurrentAgent),
		EscalationLevel:    w.EscalationLevel,
		ResolutionAttempts: w.ResolutionAttempts,
		RequiresHuman:      w.RequiresHuman,
		NegativeStreak:     w.NegativeStreak,
		Extra:              extra,
	}
	if s.CreatedAt, err = parseTime(w.CreatedAt); err != nil {
		return nil, err
	}
	if s.LastActivityAt, err = parseTime(w.LastActivityAt); err != nil {
		return nil, err
	}

	if w.History != nil {
		s.History = make([]types.Turn, len(w.History))
		for i, raw := range w.History {
			t, err := c.unmarshalTurn(raw)
			if err != nil {
				return nil, fmt.Errorf("history[%d]: %w", i, err)
			}
			s.History[i] = t
		}
	}
	if w.Session != nil {
		if s.Session, err = valuesOf(w.Session); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
	}
	if w.AgentState != nil {
		s.AgentState = make(map[types.AgentType]map[string]types.Value, len(w.AgentState))
		for agent, data := range w.AgentState {
			vals, err := valuesOf(data)
			if err != nil {
				return nil, fmt.Errorf("agent state %s: %w", agent, err)
			}
			s.AgentState[types.AgentType(agent)] = vals
		}
	}
	if w.PreviousAgents != nil {
		s.PreviousAgents = make([]types.AgentType, len(w.PreviousAgents))
		for i, a := range w.PreviousAgents {
			s.PreviousAgents[i] = types.AgentType(a)
		}
	}
	if w.Escalations != nil {
		s.Escalations = make([]types.EscalationRecord, len(w.Escalations))
		for i, raw := range w.Escalations {
			e, err := c.unmarshalEscalation(raw)
			if err != nil {
				return nil, fmt.Errorf("escalations[%d]: %w", i, err)
			}
			s.Escalations[i] = e
		}
	}
	if w.ErrorLog != nil {
		s.ErrorLog = make([]types.ErrorRecord, len(w.ErrorLog))
		for i, raw := range w.ErrorLog {
			e, err := c.unmarshalError(raw)
			if err != nil {
				return nil, fmt.Errorf("error_log[%d]: %w", i, err)
			}
			s.ErrorLog[i] = e
		}
	}
	return s, nil
}

func (c *Codec) unmarshalEscalation(raw []byte) (types.EscalationRecord, error) {
	var w wireEscalation
	if err := c.dec.Unmarshal(raw, &w); err != nil {
		return types.EscalationRecord{}, err
	}
	extra, err := c.splitExtra(raw, knownEscalationFields)
	if err != nil {
		return types.EscalationRecord{}, err
	}
	ts, err := parseTime(w.Timestamp)
	if err != nil {
		return types.EscalationRecord{}, err
	}
	return types.EscalationRecord{
		From:      types.AgentType(w.From),
		To:        types.AgentType(w.To),
		Reason:    w.Reason,
		Level:     w.Level,
		Timestamp: ts,
		Extra:     extra,
	}, nil
}

func (c *Codec) unmarshalError(raw []byte) (types.ErrorRecord, error) {
	var w wireError
	if err := c.dec.Unmarshal(raw, &w); err != nil {
		return types.ErrorRecord{}, err
	}
	extra, err := c.splitExtra(raw, knownErrorFields)
	if err != nil {
		return types.ErrorRecord{}, err
	}
	ts, err := parseTime(w.Timestamp)
	if err != nil {
		return types.ErrorRecord{}, err
	}
	return types.ErrorRecord{
		Agent:     types.AgentType(w.Agent),
		Kind:      w.Kind,
		Message:   w.Message,
		Timestamp: ts,
		Extra:     extra,
	}, nil
}

func (c *Codec) unmarshalTurn(raw []byte) (types.Turn, error) {
	var w wireTurn
	if err := c.dec.Unmarshal(raw, &w); err != nil {
		return types.Turn{}, err
	}
	extra, err := c.splitExtra(raw, knownTurnFields)
	if err != nil {
		return types.Turn{}, err
	}
	ts, err := parseTime(w.Timestamp)
	if err != nil {
		return types.Turn{}, err
	}
	return types.Turn{
		Role:      types.ConversationRole(w.Role),
		Content:   w.Content,
		Agent:     types.AgentType(w.Agent),
		Sentiment: types.Sentiment(w.Sentiment),
		Timestamp: ts,
		Extra:     extra,
	}, nil
}

// marshalWithExtra encodes v and merges in unknown fields that v does not declare
func (c *Codec) marshalWithExtra(v any, extra map[string]any) ([]byte, error) {
	data, err := c.enc.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var fields map[string]cbor.RawMessage
	if err := c.dec.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for k, x := range extra {
		if _, ok := fields[k]; ok {
			continue
		}
		raw, err := c.enc.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("unknown field %q: %w", k, err)
		}
		fields[k] = raw
	}
	return c.enc.Marshal(fields)
}

// splitExtra returns the fields of an encoded map that are not in known
func (c *Codec) splitExtra(data []byte, known map[string]struct{}) (map[string]any, error) {
	var fields map[string]cbor.RawMessage
	if err := c.dec.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decoding fields: %w", err)
	}
	var extra map[string]any
	for k, raw := range fields {
		if _, ok := known[k]; ok {
			continue
		}
		var x any
		if err := c.dec.Unmarshal(raw, &x); err != nil {
			return nil, fmt.Errorf("unknown field %q: %w", k, err)
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = x
	}
	return extra, nil
}

func fromMetadata(m types.CheckpointMetadata) wireMetadata {
	return wireMetadata{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Source:         m.Source,
		Step:           m.Step,
		Generation:     m.Generation,
		ParentID:       m.ParentID,
		CreatedAt:      formatTime(m.CreatedAt),
	}
}

func (c *Codec) unmarshalMetadata(raw []byte) (types.CheckpointMetadata, error) {
	var w wireMetadata
	if err := c.dec.Unmarshal(raw, &w); err != nil {
		return types.CheckpointMetadata{}, fmt.Errorf("decoding metadata: %w", err)
	}
	extra, err := c.splitExtra(raw, knownMetadataFields)
	if err != nil {
		return types.CheckpointMetadata{}, err
	}
	created, err := parseTime(w.CreatedAt)
	if err != nil {
		return types.CheckpointMetadata{}, err
	}
	return types.CheckpointMetadata{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		Source:         w.Source,
		Step:           w.Step,
		Generation:     w.Generation,
		ParentID:       w.ParentID,
		CreatedAt:      created,
		Extra:          extra,
	}, nil
}

func nativeValues(m map[string]types.Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Native()
	}
	return out
}

func valuesOf(m map[string]any) (map[string]types.Value, error) {
	out := make(map[string]types.Value, len(m))
	for k, x := range m {
		v, err := types.ValueOf(x)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
