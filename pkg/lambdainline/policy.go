package lambdainline

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/daimatz/gojopt/pkg/classfile"
)

// Policy decides whether a lambda implementation is inlined into a
// consuming method.
type Policy interface {
	ShouldInline(consumingClass *classfile.ClassFile, consumingMethod *classfile.MethodInfo, lambdaClass *classfile.ClassFile, implMethod *classfile.MethodInfo) (bool, error)
}

// BasePolicy approves every pair of methods whose code lengths can be
// determined.
type BasePolicy struct {
	Logger *zap.Logger
}

func (p BasePolicy) ShouldInline(consumingClass *classfile.ClassFile, consumingMethod *classfile.MethodInfo, lambdaClass *classfile.ClassFile, implMethod *classfile.MethodInfo) (bool, error) {
	_, _, err := codeLengths(consumingClass, consumingMethod, lambdaClass, implMethod)
	if err != nil {
		nilSafe(p.Logger).Error("cannot inline", zap.Error(err))
		return false, err
	}
	return true, nil
}

// ShortLambdaPolicy approves short lambdas inlined into methods that are not
// already long. The bounds are only applied when Enforce is set.
type ShortLambdaPolicy struct {
	// A consuming method must be shorter than this many bytes.
	MaxConsumingMethodLength int
	// A lambda implementation must be shorter than this many bytes.
	MaxLambdaImplLength int
	Enforce             bool
	Logger              *zap.Logger
}

const (
	DefaultMaxConsumingMethodLength = 2000
	DefaultMaxLambdaImplLength      = 64
)

// NewShortLambdaPolicy returns a policy with the default bounds, not enforced.
func NewShortLambdaPolicy(logger *zap.Logger) *ShortLambdaPolicy {
	return &ShortLambdaPolicy{
		MaxConsumingMethodLength: DefaultMaxConsumingMethodLength,
		MaxLambdaImplLength:      DefaultMaxLambdaImplLength,
		Logger:                   logger,
	}
}

func (p *ShortLambdaPolicy) ShouldInline(consumingClass *classfile.ClassFile, consumingMethod *classfile.MethodInfo, lambdaClass *classfile.ClassFile, implMethod *classfile.MethodInfo) (bool, error) {
	log := nilSafe(p.Logger)
	consuming, impl, err := codeLengths(consumingClass, consumingMethod, lambdaClass, implMethod)
	if err != nil {
		log.Error("cannot inline", zap.Error(err))
		return false, err
	}
	if !p.Enforce {
		return true, nil
	}
	if impl >= p.MaxLambdaImplLength {
		log.Info("lambda implementation too long",
			zap.String("impl", describe(lambdaClass, implMethod)),
			zap.Int("length", impl),
			zap.Int("max", p.MaxLambdaImplLength))
		return false, nil
	}
	if consuming >= p.MaxConsumingMethodLength {
		log.Info("consuming method too long",
			zap.String("method", describe(consumingClass, consumingMethod)),
			zap.Int("length", consuming),
			zap.Int("max", p.MaxConsumingMethodLength))
		return false, nil
	}
	return true, nil
}

func codeLengths(consumingClass *classfile.ClassFile, consumingMethod *classfile.MethodInfo, lambdaClass *classfile.ClassFile, implMethod *classfile.MethodInfo) (int, int, error) {
	consuming, ok := MethodCodeLength(consumingClass, consumingMethod)
	if !ok {
		return 0, 0, fmt.Errorf("%w: consuming method %s %s", ErrUnsupportedInlineTarget, describe(consumingClass, consumingMethod), whyNoLength(consumingClass, consumingMethod))
	}
	impl, ok := MethodCodeLength(lambdaClass, implMethod)
	if !ok {
		return 0, 0, fmt.Errorf("%w: lambda implementation %s %s", ErrUnsupportedInlineTarget, describe(lambdaClass, implMethod), whyNoLength(lambdaClass, implMethod))
	}
	return consuming, impl, nil
}

func whyNoLength(cf *classfile.ClassFile, m *classfile.MethodInfo) string {
	switch {
	case cf == nil || m == nil:
		return "is missing"
	case m.IsAbstract():
		return "is abstract"
	case m.IsNative():
		return "is native"
	case m.Code == nil:
		return "has no code body"
	}
	return "is not declared by its class"
}

func nilSafe(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
