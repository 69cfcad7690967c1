package query

import "reflect"

// BaseRegistry returns a registry preloaded with the handlers every
// environment shares: bind, negative and positive.
func BaseRegistry() *Registry {
	r := NewRegistry()
	str := TypeOf("")
	bind := TypeOf(Bind{})

	r.Register("bind", []reflect.Type{str}, func(env interface{}, args []interface{}) (interface{}, error) {
		return Bind{Name: args[0].(string)}, nil
	})
	r.Register("bind", []reflect.Type{str, Any}, func(env interface{}, args []interface{}) (interface{}, error) {
		return Pair{Name: args[0].(string), Value: args[1]}, nil
	})
	r.Register("negative", []reflect.Type{str}, func(env interface{}, args []interface{}) (interface{}, error) {
		return Negative{Name: args[0].(string)}, nil
	})
	r.Register("negative", []reflect.Type{bind}, func(env interface{}, args []interface{}) (interface{}, error) {
		return Negative{Name: args[0].(Bind).Name}, nil
	})
	r.Register("positive", []reflect.Type{str}, func(env interface{}, args []interface{}) (interface{}, error) {
		return Positive{Name: args[0].(string)}, nil
	})
	r.Register("positive", []reflect.Type{bind}, func(env interface{}, args []interface{}) (interface{}, error) {
		return Positive{Name: args[0].(Bind).Name}, nil
	})
	return r
}
