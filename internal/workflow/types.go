package workflow

import (
	"github.com/me/gowdl/pkg/value"
	"github.com/me/gowdl/pkg/wdl"
)

// callType is the type of a call's binding: a struct of its outputs.
func callType(c *wdl.Call) value.Type {
	outs := c.CalleeOutputs()
	members := make([]value.Member, len(outs))
	for i, d := range outs {
		members[i] = value.Member{Name: d.Name, Type: d.Type}
	}
	return value.StructOf(c.Alias(), members...)
}

// callValue packs outputs into a call binding.
func callValue(c *wdl.Call, outputs map[string]value.Value) value.Value {
	t := callType(c)
	fields := make([]value.Field, len(t.Members))
	for i, m := range t.Members {
		v, ok := outputs[m.Name]
		if !ok {
			v = value.NullOf(value.OptionalOf(m.Type))
		}
		fields[i] = value.Field{Name: m.Name, Value: v}
	}
	return value.NewStruct(t, fields)
}

// bindingTypes returns the static type of every name a body binds, as seen
// from the enclosing scope: names bound in a scatter are arrays, names bound
// in a conditional are optional.
func bindingTypes(body []*wdl.Node) map[string]value.Type {
	out := make(map[string]value.Type)
	for _, n := range body {
		switch {
		case n.Decl != nil:
			out[n.Decl.Name] = n.Decl.Type
		case n.Call != nil:
			out[n.Call.Alias()] = callType(n.Call)
		case n.Scatter != nil:
			for name, t := range bindingTypes(n.Scatter.Body) {
				out[name] = value.ArrayOf(t)
			}
		case n.If != nil:
			for _, b := range n.If.Branches {
				for name, t := range bindingTypes(b.Body) {
					out[name] = value.OptionalOf(t)
				}
			}
		}
	}
	return out
}
