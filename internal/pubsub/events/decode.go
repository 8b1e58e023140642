package events

import (
	"github.com/titanous/json5"
)

// Event is an inbound message whose payload is decoded on demand.
type Event struct {
	Id        string `json:"id"`
	SessionId string `json:"sessionId,omitempty"`
	raw       []byte
}

func Decode(message []byte) *Event {
	e := &Event{}
	if err := json5.Unmarshal(message, e); err != nil {
		return &Event{}
	}
	e.raw = message
	return e
}

func (e *Event) IsValid() bool {
	return e != nil && e.Id != "" && e.raw != nil
}

func decodeAs[T any](e *Event, id string) *T {
	if !e.IsValid() || e.Id != id {
		return nil
	}
	v := new(T)
	if err := json5.Unmarshal(e.raw, v); err != nil {
		return nil
	}
	return v
}

func (e *Event) RequestCapture() *RequestCapture {
	return decodeAs[RequestCapture](e, RequestCaptureKey)
}

func (e *Event) SelectTrack() *SelectTrack {
	return decodeAs[SelectTrack](e, SelectTrackKey)
}

func (e *Event) SelectFormat() *SelectFormat {
	return decodeAs[SelectFormat](e, SelectFormatKey)
}

// SessionCommand decodes any of the payload-less session commands.
func (e *Event) SessionCommand() *SessionCommand {
	switch e.Id {
	case StartRecordingKey, StopRecordingKey, ReenterKey, CloseSessionKey:
		return decodeAs[SessionCommand](e, e.Id)
	default:
		return nil
	}
}

func (e *Event) ExportRecording() *ExportRecording {
	return decodeAs[ExportRecording](e, ExportRecordingKey)
}

func (e *Event) BridgeCallback() *BridgeCallback {
	return decodeAs[BridgeCallback](e, BridgeCallbackKey)
}

func (e *Event) HostProfile() *HostProfile {
	return decodeAs[HostProfile](e, HostProfileKey)
}

func (e *Event) CaptureResponse() *CaptureResponse {
	return decodeAs[CaptureResponse](e, CaptureResponseKey)
}

func (e *Event) SessionStateChanged() *SessionStateChanged {
	return decodeAs[SessionStateChanged](e, SessionStateChangedKey)
}

func (e *Event) CommandResponse() *CommandResponse {
	return decodeAs[CommandResponse](e, CommandResponseKey)
}

func (e *Event) RecordingExported() *RecordingExported {
	return decodeAs[RecordingExported](e, RecordingExportedKey)
}

func (e *Event) BridgeCall() *BridgeCall {
	return decodeAs[BridgeCall](e, BridgeCallKey)
}
