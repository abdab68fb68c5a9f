package vm

// JObject represents an instance of a class loaded by the VM.
type JObject struct {
	ClassName string
	Fields    map[string]Value
}

func newObject(className string) *JObject {
	return &JObject{ClassName: className, Fields: make(map[string]Value)}
}

// JArray represents an array of any element type.
type JArray struct {
	Elements []Value
}
