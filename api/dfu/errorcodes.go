package dfu

// ErrorCode describes the category of an engine-reported failure.
type ErrorCode byte

// The different failure categories.
const (
	ErrorGeneric ErrorCode = iota
	ErrorLinkLoss
	ErrorFile
	ErrorFileUnsupported
	ErrorFileTypeInvalid
	ErrorServiceNotFound
	ErrorBluetoothDisabled
	ErrorNotBonded
	ErrorInitPacketRequired
	ErrorInvalidObject
	ErrorInsufficientResources
	ErrorEngineStart
)

// The engine error codes which are categorized.
const (
	CodeErrorMask            = 0x1000
	CodeDeviceDisconnected   = CodeErrorMask
	CodeFileError            = CodeErrorMask | 0x02
	CodeFileInvalid          = CodeErrorMask | 0x03
	CodeServiceNotFound      = CodeErrorMask | 0x06
	CodeFileTypeUnsupported  = CodeErrorMask | 0x09
	CodeBluetoothDisabled    = CodeErrorMask | 0x0A
	CodeInitPacketRequired   = CodeErrorMask | 0x0B
	CodeDeviceNotBonded      = CodeErrorMask | 0x0E
	CodeRemoteMask           = 0x2000
	CodeRemoteTypeSecure     = 0x0200
	CodeInsufficientResource = CodeRemoteTypeSecure | 0x04
	CodeInvalidObject        = CodeRemoteTypeSecure | 0x05
)

// errorCategory holds the category and description of an error code.
type errorCategory struct {
	code    ErrorCode
	name    string
	message string
}

var (
	errorCategories = map[int]errorCategory{
		CodeDeviceDisconnected: {
			ErrorLinkLoss, "link_loss",
			"The device has disconnected. Make sure that the device is in range and try again.",
		},
		CodeFileError: {
			ErrorFile, "file_error",
			"The firmware file could not be read.",
		},
		CodeFileInvalid: {
			ErrorFileUnsupported, "file_unsupported",
			"The firmware file is not supported.",
		},
		CodeFileTypeUnsupported: {
			ErrorFileTypeInvalid, "file_type_invalid",
			"The firmware file type is not valid for this device.",
		},
		CodeServiceNotFound: {
			ErrorServiceNotFound, "service_not_found",
			"The device does not support firmware updates.",
		},
		CodeBluetoothDisabled: {
			ErrorBluetoothDisabled, "bluetooth_disabled",
			"Bluetooth is disabled.",
		},
		CodeDeviceNotBonded: {
			ErrorNotBonded, "not_bonded",
			"The device is not bonded. Bond with the device and try again.",
		},
		CodeInitPacketRequired: {
			ErrorInitPacketRequired, "init_packet_required",
			"The firmware package is missing the required init packet.",
		},
		CodeInvalidObject: {
			ErrorInvalidObject, "invalid_object",
			"The device rejected the firmware object. The firmware may be invalid or unsigned.",
		},
		CodeInsufficientResource: {
			ErrorInsufficientResources, "insufficient_resources",
			"The device does not have enough resources to store the firmware.",
		},
	}

	errorCodeNames = map[ErrorCode]string{
		ErrorGeneric:     "generic",
		ErrorEngineStart: "engine_start",
	}
)

func init() {
	for _, category := range errorCategories {
		errorCodeNames[category.code] = category.name
	}
}

// String returns the name of the error category.
func (e ErrorCode) String() string {
	return errorCodeNames[e]
}

// Categorize converts an engine error into a failed state. The remote
// error mask is ignored during the lookup. Unknown codes are categorized
// as [ErrorGeneric] with the raw message.
func Categorize(ev EngineError) Failed {
	category, ok := errorCategories[ev.Code&^CodeRemoteMask]
	if !ok {
		message := ev.Message
		if message == "" {
			message = "An unknown error has occurred."
		}

		return Failed{Code: ErrorGeneric, RawCode: ev.Code, Message: message}
	}

	return Failed{Code: category.code, RawCode: ev.Code, Message: category.message}
}
