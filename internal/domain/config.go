package domain

import "encoding/json"

// RawConfig is an opaque, extensible JSON-shaped map, used for the portions
// of processing/output config the core never needs to interpret directly
// (DESIGN NOTES §9 "duck-typed JSON configs" — known shapes get a concrete
// type, everything else stays an `other` bag).
type RawConfig map[string]interface{}

// TranscriptionConfig is the known shape of processing_config.transcription.
type TranscriptionConfig struct {
	Enable      bool   `json:"enable"`
	Language    string `json:"language,omitempty"`
	AllowErrors bool   `json:"allow_errors,omitempty"`
}

// TrimConfig is the known shape of processing_config.trim.
type TrimConfig struct {
	Enable     bool    `json:"enable"`
	StartSec   float64 `json:"start_sec,omitempty"`
	EndSec     float64 `json:"end_sec,omitempty"`
}

// TopicsConfig is the known shape of processing_config.topics.
type TopicsConfig struct {
	Enable bool `json:"enable"`
}

// SubtitlesConfig is the known shape of processing_config.subtitles.
type SubtitlesConfig struct {
	Enable  bool     `json:"enable"`
	Formats []string `json:"formats,omitempty"`
}

// ProcessingConfig is the merged, per-recording processing configuration:
// recording override > template > base config (DESIGN NOTES §9).
type ProcessingConfig struct {
	Transcription TranscriptionConfig `json:"transcription,omitempty"`
	Trim          TrimConfig          `json:"trim,omitempty"`
	Topics        TopicsConfig        `json:"topics,omitempty"`
	Subtitles     SubtitlesConfig     `json:"subtitles,omitempty"`
	Other         RawConfig           `json:"-"`
}

// OutputConfig describes upload targets attached to a recording.
type OutputConfig struct {
	PresetIDs  []int64 `json:"preset_ids,omitempty"`
	AutoUpload bool    `json:"auto_upload,omitempty"`
	Other      RawConfig `json:"-"`
}

// DecodeProcessingConfig projects a recording's opaque preferences bag into
// the known ProcessingConfig shape, for orchestrator.RequiredStages and the
// Stage Executor. Unknown keys are simply absent from the result — they
// stay reachable only through the raw bag, never through Other here, since
// a processing preferences document carries no fields the core doesn't
// already know about.
func DecodeProcessingConfig(raw RawConfig) (ProcessingConfig, error) {
	var cfg ProcessingConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// MergeRaw deep-merges override over base: maps merge recursively key by
// key, any non-map value (including slices) replaces the base value
// outright. Neither input is mutated; a new map is returned.
//
// This is the single merge primitive template application (spec §4.4) and
// recording-config PATCH (spec §4.10) both use, so associativity
// (merge(merge(A,B),C) == merge(A,merge(B,C)) for disjoint B/C keys) holds
// in one place.
func MergeRaw(base, override RawConfig) RawConfig {
	if base == nil && override == nil {
		return RawConfig{}
	}
	out := make(RawConfig, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		baseVal, baseHas := base[k]
		overrideMap, overrideIsMap := v.(map[string]interface{})
		baseMap, baseIsMap := baseVal.(map[string]interface{})
		if baseHas && overrideIsMap && baseIsMap {
			out[k] = map[string]interface{}(MergeRaw(RawConfig(baseMap), RawConfig(overrideMap)))
			continue
		}
		out[k] = v
	}
	return out
}
