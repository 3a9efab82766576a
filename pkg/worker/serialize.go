package worker

import (
	"encoding/base64"
	"fmt"
	"math"
)

const pngDataURLPrefix = "data:image/png;base64,"

// MaxTextContent bounds the text rendering of the DOM sent per observation.
const MaxTextContent = 200_000

// EncodePNG returns png as a base64 data URL, or "" when there is no image.
func EncodePNG(png []byte) string {
	if len(png) == 0 {
		return ""
	}
	return pngDataURLPrefix + base64.StdEncoding.EncodeToString(png)
}

// DecodePNG reverses EncodePNG.
func DecodePNG(dataURL string) ([]byte, error) {
	if len(dataURL) < len(pngDataURLPrefix) || dataURL[:len(pngDataURLPrefix)] != pngDataURLPrefix {
		return nil, fmt.Errorf("not a PNG data URL")
	}
	return base64.StdEncoding.DecodeString(dataURL[len(pngDataURLPrefix):])
}

// Serialize converts an engine result into the transport-safe Observation.
// Binary images become data URLs, the DOM becomes text and durations become
// float seconds. A failing set-of-marks overlay is not fatal; the
// observation simply goes without it.
func Serialize(raw *RawObservation, reward float64, terminated, truncated bool, info Info) (*Observation, []error) {
	obs := &Observation{
		Reward:     finite(reward),
		Terminated: terminated,
		Truncated:  truncated,
		Info:       sanitizeInfo(info),
	}
	if raw == nil {
		return obs, nil
	}

	var problems []error

	obs.URL = raw.URL
	obs.Title = raw.Title
	obs.Elements = raw.Elements
	obs.FocusedElementBID = raw.FocusedElementBID
	obs.ActivePageIndex = raw.ActivePageIndex
	obs.OpenPagesURLs = raw.OpenPagesURLs
	obs.ElapsedTime = raw.Elapsed.Seconds()
	obs.LastActionError = raw.LastActionError
	obs.Screenshot = EncodePNG(raw.Screenshot)

	if raw.DOM != "" {
		text, err := htmlToText(raw.DOM, MaxTextContent)
		if err != nil {
			problems = append(problems, err)
		} else {
			obs.TextContent = text.Text
			if obs.Title == "" {
				obs.Title = text.Title
			}
		}
	}

	if len(raw.Screenshot) > 0 && len(raw.Elements) > 0 {
		marked, err := overlayMarks(raw.Screenshot, raw.Elements)
		if err != nil {
			problems = append(problems, err)
		} else {
			obs.SetOfMarks = EncodePNG(marked)
		}
	}

	return obs, problems
}

// ErrorObservation builds the observation reported when the engine itself
// failed to apply action.
func ErrorObservation(action string, errType string, err error) *Observation {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Observation{
		LastActionError: msg,
		Error: &ActionError{
			Type:    errType,
			Message: msg,
			Action:  action,
		},
	}
}

// sanitizeInfo makes engine info JSON-safe: durations become seconds, byte
// slices become base64 and non-finite floats become zero.
func sanitizeInfo(info Info) Info {
	if len(info) == 0 {
		return nil
	}
	out := make(Info, len(info))
	for k, v := range info {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case float64:
		return finite(val)
	case float32:
		return finite(float64(val))
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	case interface{ Seconds() float64 }:
		return val.Seconds()
	case []float64:
		out := make([]float64, len(val))
		for i, f := range val {
			out[i] = finite(f)
		}
		return out
	case map[string]interface{}:
		return map[string]interface{}(sanitizeInfo(val))
	case Info:
		return sanitizeInfo(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case error:
		return val.Error()
	default:
		return v
	}
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
