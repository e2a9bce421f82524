package domain

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a broadcast error. Codes are grouped by origin:
// 101xx device lifecycle, 102xx configuration, 104xx session/transport.
type ErrorCode int

const (
	ErrCodeDeviceExchangeIncompatibleTypes ErrorCode = 10100
	ErrCodeDeviceNotFound                  ErrorCode = 10101
	ErrCodeCouldNotAddAsInput              ErrorCode = 10102
	ErrCodeTypeAlreadyAttached             ErrorCode = 10104
	ErrCodeFoundNoMatchingSlot             ErrorCode = 10105
	ErrCodeUnsupportedDeviceType           ErrorCode = 10106
	ErrCodeTooManyExternalAudioInputs      ErrorCode = 10107
	ErrCodeExchangeOldDeviceNotAttached    ErrorCode = 10109
	ErrCodeDeviceAlreadyAttached           ErrorCode = 10110
	ErrCodeInvalidZoomFactor               ErrorCode = 10112

	ErrCodeInvalidAudioBitrate          ErrorCode = 10200
	ErrCodeInvalidAudioChannels         ErrorCode = 10201
	ErrCodeInvalidVideoInitialBitrate   ErrorCode = 10202
	ErrCodeInvalidVideoMaxBitrate       ErrorCode = 10203
	ErrCodeInvalidVideoMinBitrate       ErrorCode = 10204
	ErrCodeInvalidTargetFramerate       ErrorCode = 10205
	ErrCodeInvalidKeyframeInterval      ErrorCode = 10206
	ErrCodeInvalidVideoSize             ErrorCode = 10207
	ErrCodeInvalidMixerSlotName         ErrorCode = 10208
	ErrCodeInvalidMixerSlotGain         ErrorCode = 10209
	ErrCodeInvalidMixerSlotTransparency ErrorCode = 10210
	ErrCodeDuplicateMixerNames          ErrorCode = 10211
	ErrCodeInvalidBitrateOrdering       ErrorCode = 10212
	ErrCodeInvalidProbeDuration         ErrorCode = 10213
	ErrCodeEncoderNotFound              ErrorCode = 10226

	ErrCodeSessionIsNotReady           ErrorCode = 10400
	ErrCodeInvalidVideoFormat          ErrorCode = 10401
	ErrCodeImageTooLarge               ErrorCode = 10402
	ErrCodePCMDataTooLong              ErrorCode = 10403
	ErrCodeInvalidAudioSessionStrategy ErrorCode = 10404
	ErrCodeNetworkConnectivityLost     ErrorCode = 10405
	ErrCodeInvalidState                ErrorCode = 10410
	ErrCodePCMUnsupportedSample        ErrorCode = 10411
	ErrCodeHandshakeFailed             ErrorCode = 10416
	ErrCodeMetadataTooLarge            ErrorCode = 10417
	ErrCodeMetadataRateExceeded        ErrorCode = 10418
)

// Origin reports which part of the taxonomy a code belongs to.
func (c ErrorCode) Origin() string {
	switch {
	case c >= 10100 && c < 10200:
		return "device"
	case c >= 10200 && c < 10300:
		return "configuration"
	case c >= 10400 && c < 10500:
		return "session"
	default:
		return "unknown"
	}
}

// Error is the single error type surfaced by the broadcast core.
type Error struct {
	Code    ErrorCode
	Message string
	Fatal   bool
	Source  string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%d: %s", e.Code, e.Message)
	if e.Source != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Source)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithSource returns a copy attributed to source.
func (e *Error) WithSource(source string) *Error {
	c := *e
	c.Source = source
	return &c
}

// WithCause returns a copy wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.Cause = cause
	return &c
}

// AsFatal returns a copy with the fatal flag set.
func (e *Error) AsFatal() *Error {
	c := *e
	c.Fatal = true
	return &c
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrDeviceExchangeIncompatibleTypes = NewError(ErrCodeDeviceExchangeIncompatibleTypes, "devices are not of the same category")
	ErrDeviceNotFound                  = NewError(ErrCodeDeviceNotFound, "device not found")
	ErrCouldNotAddAsInput              = NewError(ErrCodeCouldNotAddAsInput, "device could not be added as an input")
	ErrTypeAlreadyAttached             = NewError(ErrCodeTypeAlreadyAttached, "a device of this type is already attached")
	ErrFoundNoMatchingSlot             = NewError(ErrCodeFoundNoMatchingSlot, "no mixer slot accepts this device")
	ErrUnsupportedDeviceType           = NewError(ErrCodeUnsupportedDeviceType, "unsupported device type")
	ErrTooManyExternalAudioInputs      = NewError(ErrCodeTooManyExternalAudioInputs, "too many external audio inputs")
	ErrExchangeOldDeviceNotAttached    = NewError(ErrCodeExchangeOldDeviceNotAttached, "device being replaced is not attached")
	ErrDeviceAlreadyAttached           = NewError(ErrCodeDeviceAlreadyAttached, "device already attached")
	ErrInvalidZoomFactor               = NewError(ErrCodeInvalidZoomFactor, "zoom factor out of range")

	ErrDuplicateMixerNames = NewError(ErrCodeDuplicateMixerNames, "mixer slot names must be unique")
	ErrEncoderNotFound     = NewError(ErrCodeEncoderNotFound, "no encoder available for codec")

	ErrSessionIsNotReady           = NewError(ErrCodeSessionIsNotReady, "session is not ready")
	ErrInvalidVideoFormat          = NewError(ErrCodeInvalidVideoFormat, "unsupported pixel format")
	ErrImageTooLarge               = NewError(ErrCodeImageTooLarge, "image exceeds maximum size")
	ErrPCMDataTooLong              = NewError(ErrCodePCMDataTooLong, "pcm submission exceeds maximum size")
	ErrInvalidAudioSessionStrategy = NewError(ErrCodeInvalidAudioSessionStrategy, "audio session strategy does not allow microphone capture")
	ErrNetworkConnectivityLost     = NewError(ErrCodeNetworkConnectivityLost, "network connectivity lost")
	ErrInvalidState                = NewError(ErrCodeInvalidState, "operation not allowed in current state")
	ErrPCMUnsupportedSample        = NewError(ErrCodePCMUnsupportedSample, "unsupported pcm layout, down-mixing to mono")
	ErrHandshakeFailed             = NewError(ErrCodeHandshakeFailed, "ingest handshake failed")
	ErrMetadataTooLarge            = NewError(ErrCodeMetadataTooLarge, "timed metadata exceeds maximum size")
	ErrMetadataRateExceeded        = NewError(ErrCodeMetadataRateExceeded, "timed metadata rate exceeded")
)

// CodeOf returns the code of the first *Error in err's chain, or 0.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// IsFatal reports whether err carries the fatal flag.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal
	}
	return false
}
