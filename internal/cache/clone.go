package cache

import "reflect"

// Cloner is implemented by cached values that know how to copy
// themselves. Snapshots use Clone instead of the reflective copy.
type Cloner interface {
	Clone() any
}

// cloneValue returns a deep copy of v, so a snapshot cannot be changed
// through a value that a mutator edits in place. Maps, slices, arrays,
// pointers, interfaces and exported struct fields are copied. Unexported
// fields, channels and funcs are shared. Values must not contain pointer
// cycles.
func cloneValue(v any) any {
	if v == nil {
		return nil
	}
	if c, ok := v.(Cloner); ok {
		return c.Clone()
	}
	return deepCopy(reflect.ValueOf(v)).Interface()
}

func deepCopy(v reflect.Value) reflect.Value {
	if v.CanInterface() {
		if c, ok := v.Interface().(Cloner); ok && !isNilRef(v) {
			if cv := reflect.ValueOf(c.Clone()); cv.IsValid() && cv.Type().AssignableTo(v.Type()) {
				out := reflect.New(v.Type()).Elem()
				out.Set(cv)
				return out
			}
		}
	}
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(deepCopy(v.Elem()))
		return out
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(deepCopy(v.Elem()))
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), deepCopy(iter.Value()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(deepCopy(v.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(deepCopy(v.Index(i)))
		}
		return out
	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := 0; i < v.NumField(); i++ {
			if f := out.Field(i); f.CanSet() {
				f.Set(deepCopy(v.Field(i)))
			}
		}
		return out
	default:
		return v
	}
}

func isNilRef(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return v.IsNil()
	}
	return false
}
