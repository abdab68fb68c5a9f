package classfile

import (
	"fmt"
	"strings"
)

// ParseMethodDescriptor splits a method descriptor such as "(I[JLjava/lang/String;)V"
// into its parameter types and return type.
func ParseMethodDescriptor(desc string) (params []string, ret string, err error) {
	if !strings.HasPrefix(desc, "(") {
		return nil, "", fmt.Errorf("invalid method descriptor %q", desc)
	}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		n, err := fieldTypeLength(desc[i:])
		if err != nil {
			return nil, "", fmt.Errorf("invalid method descriptor %q: %w", desc, err)
		}
		params = append(params, desc[i:i+n])
		i += n
	}
	if i >= len(desc) {
		return nil, "", fmt.Errorf("invalid method descriptor %q: missing ')'", desc)
	}
	ret = desc[i+1:]
	if ret != "V" {
		n, err := fieldTypeLength(ret)
		if err != nil || n != len(ret) {
			return nil, "", fmt.Errorf("invalid method descriptor %q: bad return type", desc)
		}
	}
	return params, ret, nil
}

func fieldTypeLength(s string) (int, error) {
	i := 0
	for i < len(s) && s[i] == '[' {
		i++
	}
	if i >= len(s) {
		return 0, fmt.Errorf("truncated type")
	}
	switch s[i] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return i + 1, nil
	case 'L':
		end := strings.IndexByte(s[i:], ';')
		if end < 0 {
			return 0, fmt.Errorf("unterminated class type")
		}
		return i + end + 1, nil
	}
	return 0, fmt.Errorf("unknown type %q", s[i])
}

// SlotSize returns the number of local variable slots a value of the given
// field type occupies: 2 for long and double, 0 for void, 1 otherwise.
func SlotSize(fieldType string) int {
	switch fieldType {
	case "J", "D":
		return 2
	case "V", "":
		return 0
	}
	return 1
}

// ParameterSlots returns the number of local variable slots taken by the
// parameters of desc, not counting the receiver.
func ParameterSlots(desc string) (int, error) {
	params, _, err := ParseMethodDescriptor(desc)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range params {
		n += SlotSize(p)
	}
	return n, nil
}

// ClassTypeName returns the internal class name of an object type descriptor
// ("Ljava/lang/Runnable;" → "java/lang/Runnable"), or "" for other types.
func ClassTypeName(fieldType string) string {
	if len(fieldType) > 2 && fieldType[0] == 'L' && fieldType[len(fieldType)-1] == ';' {
		return fieldType[1 : len(fieldType)-1]
	}
	return ""
}

// MethodDescriptor builds a method descriptor from parameter and return types.
func MethodDescriptor(params []string, ret string) string {
	return "(" + strings.Join(params, "") + ")" + ret
}
