// Package compute implements the numeric operators factors are built from:
// elementwise transforms, pairwise arithmetic, windowed statistics along the
// date axis and cross-sectional transforms along the instrument axis.
//
// Missing cells (NaN) propagate through elementwise and pairwise operators.
package compute

import (
	"fmt"
	"math"

	"factorlab/internal/panel"
)

func Abs(x *panel.Panel) *panel.Panel  { return x.Map("abs("+x.Name+")", math.Abs) }
func Log(x *panel.Panel) *panel.Panel  { return x.Map("log("+x.Name+")", math.Log) }
func Sqrt(x *panel.Panel) *panel.Panel { return x.Map("sqrt("+x.Name+")", math.Sqrt) }
func Exp(x *panel.Panel) *panel.Panel  { return x.Map("exp("+x.Name+")", math.Exp) }
func Sin(x *panel.Panel) *panel.Panel  { return x.Map("sin("+x.Name+")", math.Sin) }
func Cos(x *panel.Panel) *panel.Panel  { return x.Map("cos("+x.Name+")", math.Cos) }

func Add(x, y *panel.Panel) (*panel.Panel, error) {
	return zip("add", x, y, func(a, b float64) float64 { return a + b })
}

func Subtract(x, y *panel.Panel) (*panel.Panel, error) {
	return zip("subtract", x, y, func(a, b float64) float64 { return a - b })
}

func Multiply(x, y *panel.Panel) (*panel.Panel, error) {
	return zip("multiply", x, y, func(a, b float64) float64 { return a * b })
}

// Divide follows IEEE semantics: x/0 is ±Inf and 0/0 is NaN.
func Divide(x, y *panel.Panel) (*panel.Panel, error) {
	return zip("divide", x, y, func(a, b float64) float64 { return a / b })
}

func Power(x, y *panel.Panel) (*panel.Panel, error) {
	return zip("power", x, y, math.Pow)
}

func zip(op string, x, y *panel.Panel, fn func(a, b float64) float64) (*panel.Panel, error) {
	if err := panel.CheckSameAxes(x, y); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := panel.New(fmt.Sprintf("%s(%s,%s)", op, x.Name, y.Name), x.Dates, x.Instruments)
	for i := range x.Values {
		xr, yr, or := x.Values[i], y.Values[i], out.Values[i]
		for j := range xr {
			or[j] = fn(xr[j], yr[j])
		}
	}
	return out, nil
}
