package grpc

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/known/structpb"
)

// RequestArgs exposes the populated fields of a request message as key
// template arguments, keyed by proto field name. Nested messages become
// nested maps so "{order.id}" walks into them.
func RequestArgs(req any) map[string]any {
	switch r := req.(type) {
	case nil:
		return nil
	case map[string]any:
		return r
	case *structpb.Struct:
		return r.AsMap()
	case proto.Message:
		return messageArgs(r.ProtoReflect())
	default:
		return nil
	}
}

func messageArgs(m protoreflect.Message) map[string]any {
	if !m.IsValid() {
		return nil
	}
	args := make(map[string]any)
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		args[string(fd.Name())] = fieldValue(fd, v)
		return true
	})
	return args
}

func fieldValue(fd protoreflect.FieldDescriptor, v protoreflect.Value) any {
	switch {
	case fd.IsList():
		list := v.List()
		out := make([]any, list.Len())
		for i := range out {
			out[i] = singular(fd, list.Get(i))
		}
		return out
	case fd.IsMap():
		out := make(map[string]any, v.Map().Len())
		v.Map().Range(func(k protoreflect.MapKey, mv protoreflect.Value) bool {
			out[k.String()] = singular(fd.MapValue(), mv)
			return true
		})
		return out
	default:
		return singular(fd, v)
	}
}

func singular(fd protoreflect.FieldDescriptor, v protoreflect.Value) any {
	switch fd.Kind() {
	case protoreflect.MessageKind, protoreflect.GroupKind:
		msg := v.Message()
		switch wk := msg.Interface().(type) {
		case *structpb.Struct:
			return wk.AsMap()
		case *structpb.Value:
			return wk.AsInterface()
		}
		return messageArgs(msg)
	case protoreflect.EnumKind:
		if ev := fd.Enum().Values().ByNumber(v.Enum()); ev != nil {
			return string(ev.Name())
		}
		return int32(v.Enum())
	case protoreflect.BytesKind:
		return string(v.Bytes())
	default:
		return v.Interface()
	}
}
