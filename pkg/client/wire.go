package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"sort"

	"github.com/rocketship-ai/rpreport/pkg/sink"
)

// JSONPartName is the multipart field holding the JSON list of log entries.
const JSONPartName = "json_request_part"

// FilePartName is the multipart field every attachment is sent under.
const FilePartName = "file"

type startLaunchBody struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	StartTime   string           `json:"startTime"`
	Attributes  []sink.Attribute `json:"attributes,omitempty"`
	Mode        string           `json:"mode,omitempty"`
	Rerun       bool             `json:"rerun,omitempty"`
	RerunOf     string           `json:"rerunOf,omitempty"`
}

type finishLaunchBody struct {
	EndTime string `json:"endTime"`
	Status  string `json:"status,omitempty"`
}

type parameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type startItemBody struct {
	Name        string           `json:"name"`
	StartTime   string           `json:"startTime"`
	Type        string           `json:"type"`
	LaunchUUID  string           `json:"launchUuid"`
	Description string           `json:"description,omitempty"`
	Attributes  []sink.Attribute `json:"attributes,omitempty"`
	Parameters  []parameter      `json:"parameters,omitempty"`
	CodeRef     string           `json:"codeRef,omitempty"`
	TestCaseID  string           `json:"testCaseId,omitempty"`
	HasStats    bool             `json:"hasStats"`
	Retry       bool             `json:"retry,omitempty"`
}

type finishItemBody struct {
	EndTime     string           `json:"endTime"`
	Status      string           `json:"status,omitempty"`
	LaunchUUID  string           `json:"launchUuid"`
	Issue       *sink.Issue      `json:"issue,omitempty"`
	Description string           `json:"description,omitempty"`
	Attributes  []sink.Attribute `json:"attributes,omitempty"`
}

type fileRef struct {
	Name string `json:"name"`
}

type logEntryBody struct {
	LaunchUUID string   `json:"launchUuid"`
	ItemUUID   string   `json:"itemUuid,omitempty"`
	Time       string   `json:"time"`
	Message    string   `json:"message"`
	Level      string   `json:"level"`
	File       *fileRef `json:"file,omitempty"`
}

type idResponse struct {
	ID     string `json:"id"`
	Number int64  `json:"number,omitempty"`
}

type errorResponse struct {
	ErrorCode int    `json:"errorCode"`
	Message   string `json:"message"`
}

func logBody(e sink.LogEntry) logEntryBody {
	b := logEntryBody{
		LaunchUUID: e.LaunchID,
		ItemUUID:   e.ItemID,
		Time:       millis(e.Time),
		Message:    e.Message,
		Level:      string(e.Level),
	}
	if b.Level == "" {
		b.Level = string(sink.LevelInfo)
	}
	if e.Attachment != nil {
		b.File = &fileRef{Name: e.Attachment.Name}
	}
	return b
}

// parameters flattens a map in key order so requests are reproducible.
func parameters(m map[string]string) []parameter {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]parameter, 0, len(keys))
	for _, k := range keys {
		out = append(out, parameter{Key: k, Value: m[k]})
	}
	return out
}

// encodeBatch builds the multipart body for a log batch: the JSON list of
// entries first, then one part per attachment, matched to its entry by file
// name.
func encodeBatch(entries []sink.LogEntry) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	bodies := make([]logEntryBody, 0, len(entries))
	for _, e := range entries {
		bodies = append(bodies, logBody(e))
	}
	payload, err := json.Marshal(bodies)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode log entries: %w", err)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q`, JSONPartName))
	h.Set("Content-Type", "application/json")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(payload); err != nil {
		return nil, "", err
	}

	for _, e := range entries {
		a := e.Attachment
		if a == nil {
			continue
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FilePartName, a.Name))
		mimeType := a.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		h.Set("Content-Type", mimeType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(a.Data); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
