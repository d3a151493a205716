package uds

import "fmt"

// UDS service identifiers
const (
	ServiceDiagnosticSessionControl   byte = 0x10
	ServiceECUReset                   byte = 0x11
	ServiceClearDiagnosticInformation byte = 0x14
	ServiceReadDTCInformation         byte = 0x19
	ServiceReadDataByIdentifier       byte = 0x22
	ServiceReadMemoryByAddress        byte = 0x23
	ServiceSecurityAccess             byte = 0x27
	ServiceWriteDataByIdentifier      byte = 0x2E
	ServiceRoutineControl             byte = 0x31
	ServiceRequestDownload            byte = 0x34
	ServiceTransferData               byte = 0x36
	ServiceRequestTransferExit        byte = 0x37
	ServiceWriteMemoryByAddress       byte = 0x3D
	ServiceTesterPresent              byte = 0x3E
)

// negative response service id
const ServiceNegativeResponse byte = 0x7F

// positiveResponse is added to the service id in a positive response
const positiveResponse byte = 0x40

var serviceNames = map[byte]string{
	ServiceDiagnosticSessionControl:   "Diagnostic Session Control",
	ServiceECUReset:                   "ECU Reset",
	ServiceClearDiagnosticInformation: "Clear Diagnostic Information",
	ServiceReadDTCInformation:         "Read DTC Information",
	ServiceReadDataByIdentifier:       "Read Data By Identifier",
	ServiceReadMemoryByAddress:        "Read Memory By Address",
	ServiceSecurityAccess:             "Security Access",
	ServiceWriteDataByIdentifier:      "Write Data By Identifier",
	ServiceRoutineControl:             "Routine Control",
	ServiceRequestDownload:            "Request Download",
	ServiceTransferData:               "Transfer Data",
	ServiceRequestTransferExit:        "Request Transfer Exit",
	ServiceWriteMemoryByAddress:       "Write Memory By Address",
	ServiceTesterPresent:              "Tester Present",
}

func ServiceName(id byte) string {
	if name, ok := serviceNames[id]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", id)
}

// Negative response codes
const (
	NRCGeneralReject                          byte = 0x10
	NRCServiceNotSupported                    byte = 0x11
	NRCSubFunctionNotSupported                byte = 0x12
	NRCIncorrectMessageLength                 byte = 0x13
	NRCBusyRepeatRequest                      byte = 0x21
	NRCConditionsNotCorrect                   byte = 0x22
	NRCRequestSequenceError                   byte = 0x24
	NRCRequestOutOfRange                      byte = 0x31
	NRCSecurityAccessDenied                   byte = 0x33
	NRCInvalidKey                             byte = 0x35
	NRCExceedNumberOfAttempts                 byte = 0x36
	NRCRequiredTimeDelayNotExpired            byte = 0x37
	NRCUploadDownloadNotAccepted              byte = 0x70
	NRCTransferDataSuspended                  byte = 0x71
	NRCGeneralProgrammingFailure              byte = 0x72
	NRCWrongBlockSequenceCounter              byte = 0x73
	NRCResponsePending                        byte = 0x78
	NRCSubFunctionNotSupportedInActiveSession byte = 0x7E
	NRCServiceNotSupportedInActiveSession     byte = 0x7F
)

var nrcDescriptions = map[byte]string{
	NRCGeneralReject:                          "general reject",
	NRCServiceNotSupported:                    "service not supported",
	NRCSubFunctionNotSupported:                "sub-function not supported",
	NRCIncorrectMessageLength:                 "incorrect message length or invalid format",
	NRCBusyRepeatRequest:                      "busy, repeat request",
	NRCConditionsNotCorrect:                   "conditions not correct",
	NRCRequestSequenceError:                   "request sequence error",
	NRCRequestOutOfRange:                      "request out of range",
	NRCSecurityAccessDenied:                   "security access denied",
	NRCInvalidKey:                             "invalid key",
	NRCExceedNumberOfAttempts:                 "exceeded number of attempts",
	NRCRequiredTimeDelayNotExpired:            "required time delay not expired",
	NRCUploadDownloadNotAccepted:              "upload/download not accepted",
	NRCTransferDataSuspended:                  "transfer data suspended",
	NRCGeneralProgrammingFailure:              "general programming failure",
	NRCWrongBlockSequenceCounter:              "wrong block sequence counter",
	NRCResponsePending:                        "response pending",
	NRCSubFunctionNotSupportedInActiveSession: "sub-function not supported in active session",
	NRCServiceNotSupportedInActiveSession:     "service not supported in active session",
}

func NRCDescription(nrc byte) string {
	if desc, ok := nrcDescriptions[nrc]; ok {
		return desc
	}
	return "unknown"
}
