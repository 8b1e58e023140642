package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/AlekSi/pointer"
	"github.com/ayobaapps/bgm-recorder/internal/media"
)

const (
	RequestCaptureKey    = "requestCapture"
	SelectTrackKey       = "selectTrack"
	SelectFormatKey      = "selectFormat"
	StartRecordingKey    = "startRecording"
	StopRecordingKey     = "stopRecording"
	ExportRecordingKey   = "exportRecording"
	ReenterKey           = "reenter"
	CloseSessionKey      = "closeSession"
	GetRecorderStatusKey = "getRecorderStatus"
	BridgeCallbackKey    = "bridgeCallback"
	HostProfileKey       = "hostProfile"

	CaptureResponseKey     = "captureResponse"
	SessionStateChangedKey = "sessionStateChanged"
	CommandResponseKey     = "commandResponse"
	RecordingStoppedKey    = "recordingStopped"
	RecordingExportedKey   = "recordingExported"
	RecordingSharedKey     = "recordingShared"
	RecorderStatusKey      = "recorderStatus"
	BridgeCallKey          = "bridgeCall"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"

	ExportModeDownload = "download"
	ExportModeShare    = "share"

	StopReasonNormal = "normal"
)

var ErrMissingSessionId = errors.New("missing sessionId")

/*
requestCapture (client -> recorder)
```JSON5
{
	id: 'requestCapture',
	sessionId: <String>, // client-defined, created on first use
	constraints: { width: <Number>, height: <Number>, echoCancellation: <Boolean> },
	sdp: <String | undefined>, // browser offer when capturing over WebRTC
	fileName: <String | undefined>, // base name of exported recordings
	userAgent: <String | undefined>, // picks the native bridge host
}
```
*/

type RequestCapture struct {
	Id          string            `json:"id,omitempty"`
	SessionId   string            `json:"sessionId,omitempty"`
	Constraints media.Constraints `json:"constraints"`
	SDP         *string           `json:"sdp,omitempty"`
	FileName    *string           `json:"fileName,omitempty"`
	UserAgent   *string           `json:"userAgent,omitempty"`
}

func (e *RequestCapture) Validate() error {
	if e.SessionId == "" {
		return ErrMissingSessionId
	}
	if err := e.Constraints.Validate(); err != nil {
		return fmt.Errorf("invalid constraints: %w", err)
	}
	if e.SDP != nil && *e.SDP == "" {
		return errors.New("empty sdp offer")
	}
	return nil
}

func (e *RequestCapture) GetSDP() string {
	return pointer.GetString(e.SDP)
}

func (e *RequestCapture) GetFileName() string {
	return pointer.GetString(e.FileName)
}

func (e *RequestCapture) GetUserAgent() string {
	return pointer.GetString(e.UserAgent)
}

func (e *RequestCapture) Fail(err error) *CaptureResponse {
	return &CaptureResponse{
		Id:        CaptureResponseKey,
		SessionId: e.SessionId,
		Status:    StatusFailed,
		Error:     pointer.ToString(err.Error()),
	}
}

func (e *RequestCapture) Success(sdp string, formats media.Formats, tracks []string) *CaptureResponse {
	return &CaptureResponse{
		Id:        CaptureResponseKey,
		SessionId: e.SessionId,
		Status:    StatusOK,
		SDP:       pointer.ToStringOrNil(sdp),
		Formats:   formats.Strings(),
		Tracks:    tracks,
	}
}

/*
captureResponse (recorder -> client)
```JSON5
{
	id: 'captureResponse',
	sessionId: <String>,
	status: 'ok' | 'failed',
	error: undefined | <String>,
	sdp: <String | undefined>, // answer
	formats: [<String>], // supported output formats, preferred first
	tracks: [<String>], // background track ids
}
```
*/

type CaptureResponse struct {
	Id        string   `json:"id,omitempty"`
	SessionId string   `json:"sessionId,omitempty"`
	Status    string   `json:"status,omitempty"`
	Error     *string  `json:"error,omitempty"`
	SDP       *string  `json:"sdp,omitempty"`
	Formats   []string `json:"formats,omitempty"`
	Tracks    []string `json:"tracks,omitempty"`
}

/*
selectTrack / selectFormat (client -> recorder)
```JSON5
{ id: 'selectTrack', sessionId: <String>, trackId: <String> }
{ id: 'selectFormat', sessionId: <String>, format: <String> }
```
*/

type SelectTrack struct {
	Id        string `json:"id,omitempty"`
	SessionId string `json:"sessionId,omitempty"`
	TrackId   string `json:"trackId,omitempty"`
}

func (e *SelectTrack) Validate() error {
	if e.SessionId == "" {
		return ErrMissingSessionId
	}
	if e.TrackId == "" {
		return errors.New("missing trackId")
	}
	return nil
}

type SelectFormat struct {
	Id        string `json:"id,omitempty"`
	SessionId string `json:"sessionId,omitempty"`
	Format    string `json:"format,omitempty"`
}

func (e *SelectFormat) Validate() error {
	if e.SessionId == "" {
		return ErrMissingSessionId
	}
	_, err := media.ParseFormat(e.Format)
	return err
}

func (e *SelectFormat) GetFormat() media.Format {
	f, _ := media.ParseFormat(e.Format)
	return f
}

/*
startRecording / stopRecording / reenter / closeSession (client -> recorder)
```JSON5
{ id: 'startRecording', sessionId: <String> }
```
*/

type SessionCommand struct {
	Id        string `json:"id,omitempty"`
	SessionId string `json:"sessionId,omitempty"`
}

func (e *SessionCommand) Validate() error {
	if e.SessionId == "" {
		return ErrMissingSessionId
	}
	return nil
}

func (e *SessionCommand) Fail(err error) *CommandResponse {
	return &CommandResponse{
		Id:        CommandResponseKey,
		Command:   e.Id,
		SessionId: e.SessionId,
		Status:    StatusFailed,
		Error:     pointer.ToString(err.Error()),
	}
}

func (e *SessionCommand) Success() *CommandResponse {
	return &CommandResponse{
		Id:        CommandResponseKey,
		Command:   e.Id,
		SessionId: e.SessionId,
		Status:    StatusOK,
	}
}

/*
commandResponse (recorder -> client)
```JSON5
{
	id: 'commandResponse',
	command: <String>, // id of the request
	sessionId: <String>,
	status: 'ok' | 'failed',
	error: undefined | <String>,
}
```
*/

type CommandResponse struct {
	Id        string  `json:"id,omitempty"`
	Command   string  `json:"command,omitempty"`
	SessionId string  `json:"sessionId,omitempty"`
	Status    string  `json:"status,omitempty"`
	Error     *string `json:"error,omitempty"`
}

/*
exportRecording (client -> recorder)
```JSON5
{
	id: 'exportRecording',
	sessionId: <String>,
	mode: 'download' | 'share',
	title: <String | undefined>, // share only
	text: <String | undefined>, // share only
}
```
*/

type ExportRecording struct {
	Id        string  `json:"id,omitempty"`
	SessionId string  `json:"sessionId,omitempty"`
	Mode      string  `json:"mode,omitempty"`
	Title     *string `json:"title,omitempty"`
	Text      *string `json:"text,omitempty"`
}

func (e *ExportRecording) Validate() error {
	if e.SessionId == "" {
		return ErrMissingSessionId
	}
	switch e.Mode {
	case ExportModeDownload, ExportModeShare:
		return nil
	default:
		return fmt.Errorf("invalid export mode '%s'", e.Mode)
	}
}

func (e *ExportRecording) Fail(err error) *RecordingExported {
	return &RecordingExported{
		Id:        RecordingExportedKey,
		SessionId: e.SessionId,
		Mode:      e.Mode,
		Status:    StatusFailed,
		Error:     pointer.ToString(err.Error()),
	}
}

func (e *ExportRecording) Success(url string) *RecordingExported {
	return &RecordingExported{
		Id:        RecordingExportedKey,
		SessionId: e.SessionId,
		Mode:      e.Mode,
		Status:    StatusOK,
		URL:       pointer.ToStringOrNil(url),
	}
}

/*
recordingExported (recorder -> client)
```JSON5
{
	id: 'recordingExported',
	sessionId: <String>,
	mode: 'download' | 'share',
	status: 'ok' | 'failed',
	error: undefined | <String>,
	url: <String | undefined>,
}
```
*/

type RecordingExported struct {
	Id        string  `json:"id,omitempty"`
	SessionId string  `json:"sessionId,omitempty"`
	Mode      string  `json:"mode,omitempty"`
	Status    string  `json:"status,omitempty"`
	Error     *string `json:"error,omitempty"`
	URL       *string `json:"url,omitempty"`
}

/*
sessionStateChanged (recorder -> client)
```JSON5
{
	id: 'sessionStateChanged',
	sessionId: <String>,
	from: <String>,
	state: <String>,
	status: <String | undefined>, // last error message
}
```
*/

type SessionStateChanged struct {
	Id        string  `json:"id,omitempty"`
	SessionId string  `json:"sessionId,omitempty"`
	From      string  `json:"from,omitempty"`
	State     string  `json:"state,omitempty"`
	Status    *string `json:"status,omitempty"`
}

func NewSessionStateChanged(sessionId, from, to, status string) *SessionStateChanged {
	return &SessionStateChanged{
		Id:        SessionStateChangedKey,
		SessionId: sessionId,
		From:      from,
		State:     to,
		Status:    pointer.ToStringOrNil(status),
	}
}

/*
recordingStopped (recorder -> client)
```JSON5
{
	id: 'recordingStopped',
	sessionId: <String>,
	reason: <String>,
	chunks: <Number>,
	size: <Number>, // bytes
}
```
*/

type RecordingStopped struct {
	Id        string `json:"id,omitempty"`
	SessionId string `json:"sessionId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Chunks    int    `json:"chunks"`
	Size      int    `json:"size"`
}

func NewRecordingStopped(sessionId, reason string, chunks, size int) *RecordingStopped {
	if reason == "" {
		reason = StopReasonNormal
	}
	return &RecordingStopped{
		Id:        RecordingStoppedKey,
		SessionId: sessionId,
		Reason:    reason,
		Chunks:    chunks,
		Size:      size,
	}
}

/*
recordingShared (recorder -> host)
```JSON5
{
	id: 'recordingShared',
	sessionId: <String>,
	title: <String>,
	text: <String>,
	url: <String>,
	mimeType: <String>,
}
```
*/

type RecordingShared struct {
	Id        string `json:"id,omitempty"`
	SessionId string `json:"sessionId,omitempty"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text,omitempty"`
	URL       string `json:"url,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
}

/*
recorderStatus (recorder -> client)
```JSON5
{
	id: 'recorderStatus',
	appVersion: <String>,
	instanceId: <String>,
	timestamp: <Number>,
	sessions: <Number>,
}
```
*/

type RecorderStatus struct {
	Id         string `json:"id,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
	InstanceId string `json:"instanceId,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Sessions   int    `json:"sessions"`
}

func NewRecorderStatus(appVersion, instanceId string, sessions int) *RecorderStatus {
	return &RecorderStatus{
		Id:         RecorderStatusKey,
		AppVersion: appVersion,
		InstanceId: instanceId,
		Timestamp:  time.Now().UnixMilli(),
		Sessions:   sessions,
	}
}

/*
bridgeCall (recorder -> host)
```JSON5
{
	id: 'bridgeCall',
	sessionId: <String | undefined>,
	method: 'finish' | 'sendMessage' | 'composeMessage' | 'sendMedia' | 'sendLocation',
	args: [<Any>],
}
```
*/

type BridgeCall struct {
	Id        string        `json:"id,omitempty"`
	SessionId string        `json:"sessionId,omitempty"`
	Method    string        `json:"method,omitempty"`
	Args      []interface{} `json:"args"`
}

func NewBridgeCall(sessionId, method string, args ...interface{}) *BridgeCall {
	if args == nil {
		args = []interface{}{}
	}
	return &BridgeCall{
		Id:        BridgeCallKey,
		SessionId: sessionId,
		Method:    method,
		Args:      args,
	}
}

/*
bridgeCallback (host -> recorder)
```JSON5
{
	id: 'bridgeCallback',
	sessionId: <String | undefined>,
	method: 'onLocationChanged' | 'onProfileChanged' | 'onPresenceChanged' |
		'onMediaSentResponse' | 'onLocationSentResponse',
	args: [<Any>],
}
```
*/

type BridgeCallback struct {
	Id        string        `json:"id,omitempty"`
	SessionId string        `json:"sessionId,omitempty"`
	Method    string        `json:"method,omitempty"`
	Args      []interface{} `json:"args"`
}

func (e *BridgeCallback) Validate() error {
	if e.Method == "" {
		return errors.New("missing method")
	}
	return nil
}

/*
hostProfile (host -> recorder)
```JSON5
{
	id: 'hostProfile',
	country: <String>,
	msisdn: <String>,
	canSendMessage: <Boolean>,
	language: <String>,
}
```
*/

type HostProfile struct {
	Id             string `json:"id,omitempty"`
	Country        string `json:"country,omitempty"`
	Msisdn         string `json:"msisdn,omitempty"`
	CanSendMessage bool   `json:"canSendMessage"`
	Language       string `json:"language,omitempty"`
}
