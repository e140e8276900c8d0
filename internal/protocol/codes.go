package protocol

// Code is the raw status the transport attaches to every reply record.
// Values follow the libmemcached numbering so codes seen in logs line up
// with what other clients report.
type Code int

const (
	CodeSuccess           Code = 0
	CodeFailure           Code = 1
	CodeConnectionFailure Code = 3
	CodeWriteFailure      Code = 5
	CodeReadFailure       Code = 6
	CodeUnknownRead       Code = 7
	CodeProtocolError     Code = 8
	CodeClientError       Code = 9
	CodeServerError       Code = 10
	CodeDataExists        Code = 12
	CodeNotStored         Code = 14
	CodeStored            Code = 15
	CodeNotFound          Code = 16
	CodeEnd               Code = 21
	CodeDeleted           Code = 22
	CodeValue             Code = 23
	CodeStat              Code = 24
	CodeActionQueued      Code = 31
	CodeBadKey            Code = 33
)

var codeNames = map[Code]string{
	CodeSuccess:           "SUCCESS",
	CodeFailure:           "FAILURE",
	CodeConnectionFailure: "CONNECTION FAILURE",
	CodeWriteFailure:      "WRITE FAILURE",
	CodeReadFailure:       "READ FAILURE",
	CodeUnknownRead:       "UNKNOWN READ FAILURE",
	CodeProtocolError:     "PROTOCOL ERROR",
	CodeClientError:       "CLIENT ERROR",
	CodeServerError:       "SERVER ERROR",
	CodeDataExists:        "DATA EXISTS",
	CodeNotStored:         "NOT STORED",
	CodeStored:            "STORED",
	CodeNotFound:          "NOT FOUND",
	CodeEnd:               "END",
	CodeDeleted:           "DELETED",
	CodeValue:             "VALUE",
	CodeStat:              "STAT",
	CodeActionQueued:      "ACTION QUEUED",
	CodeBadKey:            "BAD KEY",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "UNKNOWN"
}
