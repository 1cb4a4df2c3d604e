// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package protocol defines the bus wire format: inbound commands, quality
// replies and session state events.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ManuGH/transcoder/internal/media/model"
)

var (
	// ErrUnknownCommand is returned for an unrecognised type field.
	ErrUnknownCommand = errors.New("unknown command type")
	// ErrMissingField is returned when a variant's required field is absent.
	ErrMissingField = errors.New("missing required field")
	// ErrNotACommand marks messages that share the command channel but are
	// not commands, such as quality replies.
	ErrNotACommand = errors.New("message is not a command")
	// ErrMalformed is returned for payloads that are not valid JSON objects.
	ErrMalformed = errors.New("malformed command payload")
)

// Type is the command discriminator.
type Type string

const (
	TypeStart   Type = "start"
	TypeStop    Type = "stop"
	TypeSeek    Type = "seek"
	TypeQuality Type = "quality"
)

// Command is one decoded inbound message: *Start, *Stop, *Seek or *Quality.
type Command interface {
	Type() Type
	Session() string
	command()
}

// Start launches an encoder for a session, replacing any running one.
type Start struct {
	SessionID  string
	Input      string
	Output     string
	Prefix     string
	Position   *float64
	Video      *model.VideoProfile
	Audio      *model.AudioProfile
	Resolution *model.Resolution
	DirectPlay bool
	Mode       model.Mode
	// SegmentTimes are explicit break times; empty asks the dispatcher to
	// derive them from the probed duration.
	SegmentTimes    []float64
	SegmentDuration float64
	// Renditions lists the profile pairs of a multi-rendition DASH start.
	Renditions []model.Rendition
}

// Stop terminates a session's encoder and forgets the session.
type Stop struct {
	SessionID string
}

// Seek restarts a running session at Position.
type Seek struct {
	SessionID string
	Position  float64
}

// Quality asks for the renditions available for Path.
type Quality struct {
	SessionID string
	Path      string
}

func (*Start) Type() Type   { return TypeStart }
func (*Stop) Type() Type    { return TypeStop }
func (*Seek) Type() Type    { return TypeSeek }
func (*Quality) Type() Type { return TypeQuality }

func (c *Start) Session() string   { return c.SessionID }
func (c *Stop) Session() string    { return c.SessionID }
func (c *Seek) Session() string    { return c.SessionID }
func (c *Quality) Session() string { return c.SessionID }

func (*Start) command()   {}
func (*Stop) command()    {}
func (*Seek) command()    {}
func (*Quality) command() {}

type envelope struct {
	SessionID       string          `json:"session_id"`
	Type            string          `json:"type"`
	Position        *Number         `json:"position"`
	Input           string          `json:"input"`
	Output          string          `json:"output"`
	Path            string          `json:"path"`
	Prefix          string          `json:"prefix"`
	Mode            string          `json:"mode"`
	Resolution      string          `json:"resolution"`
	DirectPlay      bool            `json:"direct_play"`
	VideoProfile    *wireVideo      `json:"video_profile"`
	AudioProfile    *wireAudio      `json:"audio_profile"`
	SegmentTimes    []Number        `json:"segment_times"`
	SegmentDuration *Number         `json:"segment_duration"`
	Renditions      []wireRendition `json:"renditions"`
	Qualities       json.RawMessage `json:"qualities"`
}

type wireVideo struct {
	Width   Number `json:"width"`
	Height  Number `json:"height"`
	Bitrate Number `json:"bitrate"`
	Codec   string `json:"codec"`
}

type wireAudio struct {
	Bitrate Number `json:"bitrate"`
}

type wireRendition struct {
	VideoProfile *wireVideo `json:"video_profile"`
	AudioProfile *wireAudio `json:"audio_profile"`
}

// Number accepts a JSON number or string and keeps its raw text so it can
// be parsed strictly later.
type Number string

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*n = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = Number(s)
	default:
		var num json.Number
		if err := json.Unmarshal(data, &num); err != nil {
			return fmt.Errorf("expected number or string, got %s", data)
		}
		*n = Number(num)
	}
	return nil
}

// Float parses n as seconds.
func (n Number) Float(field string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(string(n)), 64)
	if err != nil {
		return 0, &model.ValidationError{Field: field, Value: string(n), Reason: "not a number"}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &model.ValidationError{Field: field, Value: string(n), Reason: "must be finite"}
	}
	if f < 0 {
		return 0, &model.ValidationError{Field: field, Value: string(n), Reason: "must not be negative"}
	}
	return f, nil
}

// Decode parses one bus payload into its command variant. Each variant is
// checked for its own required fields here, so handlers never see a
// partially populated command.
func Decode(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" && len(env.Qualities) > 0 {
		return nil, ErrNotACommand
	}

	switch Type(strings.ToLower(strings.TrimSpace(env.Type))) {
	case TypeStart:
		return decodeStart(&env)
	case TypeStop:
		if env.SessionID == "" {
			return nil, missing("session_id")
		}
		return &Stop{SessionID: env.SessionID}, nil
	case TypeSeek:
		if env.SessionID == "" {
			return nil, missing("session_id")
		}
		if env.Position == nil || *env.Position == "" {
			return nil, missing("position")
		}
		pos, err := env.Position.Float("position")
		if err != nil {
			return nil, err
		}
		return &Seek{SessionID: env.SessionID, Position: pos}, nil
	case TypeQuality:
		if env.Path == "" {
			return nil, missing("path")
		}
		return &Quality{SessionID: env.SessionID, Path: env.Path}, nil
	case "":
		return nil, missing("type")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Type)
	}
}

func decodeStart(env *envelope) (*Start, error) {
	if env.SessionID == "" {
		return nil, missing("session_id")
	}
	if env.Input == "" {
		return nil, missing("input")
	}
	if env.Output == "" {
		return nil, missing("output")
	}

	mode, err := model.ParseMode(env.Mode)
	if err != nil {
		return nil, err
	}
	cmd := &Start{
		SessionID:  env.SessionID,
		Input:      env.Input,
		Output:     env.Output,
		Prefix:     env.Prefix,
		DirectPlay: env.DirectPlay,
		Mode:       mode,
	}

	if env.Position != nil && *env.Position != "" {
		pos, err := env.Position.Float("position")
		if err != nil {
			return nil, err
		}
		cmd.Position = &pos
	}
	if env.Resolution != "" {
		res, err := model.ParseResolution(env.Resolution)
		if err != nil {
			return nil, err
		}
		cmd.Resolution = &res
	}
	if env.SegmentDuration != nil && *env.SegmentDuration != "" {
		d, err := env.SegmentDuration.Float("segment_duration")
		if err != nil {
			return nil, err
		}
		if d < model.MinSegmentDuration {
			return nil, &model.ValidationError{
				Field:  "segment_duration",
				Value:  string(*env.SegmentDuration),
				Reason: fmt.Sprintf("must be at least %gs", model.MinSegmentDuration),
			}
		}
		cmd.SegmentDuration = d
	}
	if len(env.SegmentTimes) > model.MaxSegments+1 {
		return nil, &model.ValidationError{Field: "segment_times", Value: strconv.Itoa(len(env.SegmentTimes)), Reason: "too many break times"}
	}
	for i, raw := range env.SegmentTimes {
		t, err := raw.Float(fmt.Sprintf("segment_times[%d]", i))
		if err != nil {
			return nil, err
		}
		cmd.SegmentTimes = append(cmd.SegmentTimes, t)
	}

	if cmd.Video, err = env.VideoProfile.profile(); err != nil {
		return nil, err
	}
	if cmd.Audio, err = env.AudioProfile.profile(); err != nil {
		return nil, err
	}
	for i, wr := range env.Renditions {
		var r model.Rendition
		if r.Video, err = wr.VideoProfile.profile(); err != nil {
			return nil, fmt.Errorf("renditions[%d]: %w", i, err)
		}
		if r.Audio, err = wr.AudioProfile.profile(); err != nil {
			return nil, fmt.Errorf("renditions[%d]: %w", i, err)
		}
		if r.Video == nil && r.Audio == nil {
			return nil, missing(fmt.Sprintf("renditions[%d].video_profile or audio_profile", i))
		}
		cmd.Renditions = append(cmd.Renditions, r)
	}
	if cmd.Video == nil && cmd.Audio == nil && len(cmd.Renditions) > 0 {
		// Single-rendition modes encode the first pair.
		cmd.Video, cmd.Audio = cmd.Renditions[0].Video, cmd.Renditions[0].Audio
	}
	if cmd.Video == nil && cmd.Audio == nil && !cmd.passthrough() {
		return nil, missing("video_profile or audio_profile")
	}
	return cmd, nil
}

// passthrough reports whether the command copies streams and needs no profile.
func (c *Start) passthrough() bool {
	return c.DirectPlay || c.Mode == model.ModeDirect || c.Mode == model.ModeRemux
}

// profile returns nil for an absent or empty object. Present but malformed
// fields are errors.
func (w *wireVideo) profile() (*model.VideoProfile, error) {
	if w == nil || (w.Width == "" && w.Height == "" && w.Bitrate == "" && w.Codec == "") {
		return nil, nil
	}
	bitrate, err := model.ParseKbps("video_profile.bitrate", string(w.Bitrate))
	if err != nil {
		return nil, err
	}
	width, err := model.ParseDimension("video_profile.width", string(w.Width))
	if err != nil {
		return nil, err
	}
	height, err := model.ParseDimension("video_profile.height", string(w.Height))
	if err != nil {
		return nil, err
	}
	return &model.VideoProfile{Width: width, Height: height, Bitrate: bitrate, Codec: w.Codec}, nil
}

func (w *wireAudio) profile() (*model.AudioProfile, error) {
	if w == nil || w.Bitrate == "" {
		return nil, nil
	}
	bitrate, err := model.ParseKbps("audio_profile.bitrate", string(w.Bitrate))
	if err != nil {
		return nil, err
	}
	return &model.AudioProfile{Bitrate: bitrate}, nil
}

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}
