package zap

import "fmt"

// Command is a channel control operation. The type of the obj argument to
// Channel.Command is fixed per command and noted on each constant.
type Command int

const (
	CommandNoop                  Command = iota // nil
	CommandSetInterval                          // int, milliseconds
	CommandGetInterval                          // *int
	CommandSetCodec                             // codec.Codec
	CommandGetCodec                             // *codec.Codec
	CommandSetNativeCodec                       // codec.Codec
	CommandGetNativeCodec                       // *codec.Codec
	CommandEnableDTMFDetect                     // nil
	CommandDisableDTMFDetect                    // nil
	CommandSendDTMF                             // string
	CommandSetDTMFOnPeriod                      // int, milliseconds
	CommandGetDTMFOnPeriod                      // *int
	CommandSetDTMFOffPeriod                     // int, milliseconds
	CommandGetDTMFOffPeriod                     // *int
	CommandGenerateRingOn                       // nil
	CommandGenerateRingOff                      // nil
	CommandOffhook                              // nil
	CommandOnhook                               // nil
	CommandFlash                                // nil
	CommandWink                                 // nil
	CommandEnableProgressDetect                 // nil
	CommandDisableProgressDetect                // nil
	CommandEnableCallerIDDetect                 // nil
	CommandDisableCallerIDDetect                // nil
	CommandEnableEchoCancel                     // nil
	CommandDisableEchoCancel                    // nil
	CommandEnableEchoTrain                      // int, milliseconds
	CommandDisableEchoTrain                     // nil
	CommandSetCASBits                           // uint8
	CommandGetCASBits                           // *uint8
	CommandSetPreBufferSize                     // int, milliseconds; 0 disables
	CommandTraceInput                           // io.Writer, nil stops
	CommandTraceOutput                          // io.Writer, nil stops
	CommandEnableLoop                           // nil
	CommandDisableLoop                          // nil
	numCommands
)

var commandNames = [...]string{
	"NOOP", "SET_INTERVAL", "GET_INTERVAL", "SET_CODEC", "GET_CODEC",
	"SET_NATIVE_CODEC", "GET_NATIVE_CODEC", "ENABLE_DTMF_DETECT",
	"DISABLE_DTMF_DETECT", "SEND_DTMF", "SET_DTMF_ON_PERIOD",
	"GET_DTMF_ON_PERIOD", "SET_DTMF_OFF_PERIOD", "GET_DTMF_OFF_PERIOD",
	"GENERATE_RING_ON", "GENERATE_RING_OFF", "OFFHOOK", "ONHOOK", "FLASH",
	"WINK", "ENABLE_PROGRESS_DETECT", "DISABLE_PROGRESS_DETECT",
	"ENABLE_CALLERID_DETECT", "DISABLE_CALLERID_DETECT", "ENABLE_ECHOCANCEL",
	"DISABLE_ECHOCANCEL", "ENABLE_ECHOTRAIN", "DISABLE_ECHOTRAIN",
	"SET_CAS_BITS", "GET_CAS_BITS", "SET_PRE_BUFFER_SIZE", "TRACE_INPUT",
	"TRACE_OUTPUT", "ENABLE_LOOP", "DISABLE_LOOP",
}

func (c Command) String() string {
	if c >= 0 && c < numCommands {
		return commandNames[c]
	}
	return fmt.Sprintf("COMMAND(%d)", int(c))
}

// objAs asserts the command argument to T.
func objAs[T any](cmd Command, obj any) (T, error) {
	v, ok := obj.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: argument is %T, want %T: %w", cmd, obj, zero, ErrFail)
	}
	return v, nil
}

// objPtr asserts a non-nil *T result argument.
func objPtr[T any](cmd Command, obj any) (*T, error) {
	p, err := objAs[*T](cmd, obj)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%s: nil result pointer: %w", cmd, ErrFail)
	}
	return p, nil
}
