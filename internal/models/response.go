package models

import (
	"time"

	"buswatch.org/internal/clock"
)

// ResponseModel is the JSON envelope returned by every REST endpoint.
type ResponseModel struct {
	Code        int    `json:"code"`
	CurrentTime int64  `json:"currentTime"`
	Text        string `json:"text"`
	Version     int    `json:"version"`
	Data        any    `json:"data,omitempty"`
}

// ListData wraps list payloads.
type ListData struct {
	List []any `json:"list"`
}

// EntryData wraps single-entity payloads.
type EntryData struct {
	Entry any `json:"entry"`
}

// ResponseCurrentTime returns the envelope timestamp in Unix milliseconds.
func ResponseCurrentTime(c clock.Clock) int64 {
	if c == nil {
		c = clock.RealClock{}
	}
	return c.NowUnixMilli()
}

func NewOKResponse(data any, c clock.Clock) ResponseModel {
	return ResponseModel{
		Code:        200,
		CurrentTime: ResponseCurrentTime(c),
		Text:        "OK",
		Version:     1,
		Data:        data,
	}
}

func NewEntryResponse(entry any, c clock.Clock) ResponseModel {
	return NewOKResponse(EntryData{Entry: entry}, c)
}

// NewListResponse builds a list envelope. A nil slice is rendered as [].
func NewListResponse[T any](items []T, c clock.Clock) ResponseModel {
	list := make([]any, 0, len(items))
	for _, item := range items {
		list = append(list, item)
	}
	return NewOKResponse(ListData{List: list}, c)
}

// CurrentTimeData is the entry of the current-time endpoint.
type CurrentTimeData struct {
	Time         int64  `json:"time"`
	ReadableTime string `json:"readableTime"`
}

func NewCurrentTimeData(t time.Time) CurrentTimeData {
	return CurrentTimeData{
		Time:         t.UnixMilli(),
		ReadableTime: t.Format(time.RFC3339),
	}
}
