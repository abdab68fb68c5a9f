package vm

import "fmt"

// JavaException represents a JVM exception being thrown. It unwinds frames
// until a handler in some exception table catches it.
type JavaException struct {
	Object *JObject
}

func (e *JavaException) Error() string {
	return fmt.Sprintf("JavaException: %s", e.Object.ClassName)
}

func NewJavaException(className string) *JavaException {
	return &JavaException{Object: newObject(className)}
}
