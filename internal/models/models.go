package models

type Language string

const (
	LangCPP        Language = "cpp"
	LangC          Language = "c"
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
)

// DefaultLanguage is the language a freshly created room starts with.
const DefaultLanguage = LangCPP

// Languages lists every language the dispatcher knows how to run.
var Languages = []Language{LangPython, LangCPP, LangC, LangJavaScript}

func (l Language) Known() bool {
	switch l {
	case LangCPP, LangC, LangPython, LangJavaScript:
		return true
	}
	return false
}

/*** Collaboration session state ***/

// Document is the shared state of a room: the editor contents and the selected language.
type Document struct {
	Code     string   `json:"code"`
	Language Language `json:"language"`
}

// Frame types understood by the hub. Anything else is relayed untouched.
const (
	FrameCreate   = "create"
	FrameJoin     = "join"
	FrameCode     = "code"
	FrameLanguage = "language"
	FrameUsers    = "users"
	FrameInit     = "init"
	FrameError    = "error"
)

type UsersFrame struct {
	Type string   `json:"type"`
	List []string `json:"list"`
}

type InitFrame struct {
	Type     string   `json:"type"`
	Code     string   `json:"code"`
	Language Language `json:"language"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RoomInfo is returned by the room inspection endpoint.
type RoomInfo struct {
	RoomID         string   `json:"roomId"`
	Exists         bool     `json:"exists"`
	Language       Language `json:"language,omitempty"`
	Members        int      `json:"members"`
	Users          []string `json:"users"`
	AdminConnected bool     `json:"adminConnected"`
}

/*** Execution ***/

type RunRequest struct {
	Code     string   `json:"code"`
	Language Language `json:"language"`
	Input    string   `json:"input,omitempty"`
}

// RunResult is the /run response. Time is omitted when execution failed before producing a result.
type RunResult struct {
	Output string   `json:"output"`
	Error  string   `json:"error"`
	Time   *float64 `json:"time,omitempty"`
}

type LanguageInfo struct {
	Name      Language `json:"name"`
	Extension string   `json:"extension"`
	Compiled  bool     `json:"compiled"`
}
