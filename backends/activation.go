// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// ActivationMode specifies the activation function applied by fused kernels.
//
// The integer values are part of the kernel ABI: they are passed verbatim as the
// "activ_mode" compile-time symbol.
type ActivationMode int

const (
	// ActivationPassthrough: y = x.
	ActivationPassthrough ActivationMode = iota

	// ActivationLogistic: y = 1 / (1 + e^-x).
	ActivationLogistic

	// ActivationTanh: y = beta * tanh(alpha * x).
	ActivationTanh

	// ActivationRelu: y = max(0, x).
	ActivationRelu

	// ActivationSoftRelu: y = log(1 + e^x).
	ActivationSoftRelu

	// ActivationAbs: y = |x|.
	ActivationAbs

	// ActivationPower: y = (alpha + beta * x) ^ gamma.
	ActivationPower

	// ActivationClippedRelu: y = min(alpha, max(0, x)).
	ActivationClippedRelu

	// ActivationLeakyRelu: y = x if x > 0, alpha * x otherwise.
	ActivationLeakyRelu

	// ActivationElu: y = x if x > 0, alpha * (e^x - 1) otherwise.
	ActivationElu
)

var activationNames = []string{
	"passthrough", "logistic", "tanh", "relu", "softrelu", "abs", "power", "clippedrelu", "leakyrelu", "elu",
}

// String returns the name of the activation mode.
func (a ActivationMode) String() string {
	if a < 0 || int(a) >= len(activationNames) {
		return "unknown"
	}
	return activationNames[a]
}

// IsValid returns whether a is one of the defined activation modes.
func (a ActivationMode) IsValid() bool {
	return a >= 0 && int(a) < len(activationNames)
}

// ParseActivationMode converts the name of the activation (case-insensitive) to an ActivationMode.
func ParseActivationMode(name string) (ActivationMode, error) {
	lowerName := strings.ToLower(name)
	for mode, modeName := range activationNames {
		if modeName == lowerName {
			return ActivationMode(mode), nil
		}
	}
	return ActivationPassthrough, errors.Errorf("unknown activation mode %q, valid values are %q", name, activationNames)
}

// Apply evaluates the activation on x with the coefficients alpha, beta and gamma.
// Coefficients not used by the mode are ignored.
func (a ActivationMode) Apply(x, alpha, beta, gamma float64) float64 {
	switch a {
	case ActivationPassthrough:
		return x
	case ActivationLogistic:
		return 1 / (1 + math.Exp(-x))
	case ActivationTanh:
		return beta * math.Tanh(alpha*x)
	case ActivationRelu:
		return max(0, x)
	case ActivationSoftRelu:
		return math.Log1p(math.Exp(x))
	case ActivationAbs:
		return math.Abs(x)
	case ActivationPower:
		return math.Pow(alpha+beta*x, gamma)
	case ActivationClippedRelu:
		return min(alpha, max(0, x))
	case ActivationLeakyRelu:
		if x > 0 {
			return x
		}
		return alpha * x
	case ActivationElu:
		if x > 0 {
			return x
		}
		return alpha * math.Expm1(x)
	default:
		return math.NaN()
	}
}
