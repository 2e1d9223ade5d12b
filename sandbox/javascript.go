package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/dop251/goja"
)

// jsPrelude turns the JSON input into deep-frozen, non-writable globals.
// Every variable is also reachable as vars.<name>, which covers names that
// clash with JavaScript builtins.
const jsPrelude = `
var result = null;
(function () {
  var freeze = function (o) {
    if (o !== null && typeof o === "object" && !Object.isFrozen(o)) {
      Object.freeze(o);
      Object.getOwnPropertyNames(o).forEach(function (k) { freeze(o[k]); });
    }
    return o;
  };
  var input = freeze(JSON.parse(__input));
  Object.defineProperty(globalThis, "vars", { value: input, enumerable: true });
  Object.keys(input).forEach(function (k) {
    if (!(k in globalThis)) {
      Object.defineProperty(globalThis, k, { value: input[k], enumerable: true });
    }
  });
})();
delete globalThis.__input;
`

var errJSTimeout = errors.New("timeout")

type jsEngine struct{}

func newJSEngine() *jsEngine { return &jsEngine{} }

func (e *jsEngine) run(ctx context.Context, s Script) (any, error) {
	input, err := inputJSON(s.Vars)
	if err != nil {
		return nil, runtimeError(JavaScript, "variables are not serializable: "+err.Error())
	}

	vm := goja.New()
	if err := vm.Set("__input", input); err != nil {
		return nil, runtimeError(JavaScript, err.Error())
	}
	if _, err := vm.RunString(jsPrelude); err != nil {
		return nil, runtimeError(JavaScript, err.Error())
	}

	timer := time.AfterFunc(s.Timeout, func() { vm.Interrupt(errJSTimeout) })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	value, err := vm.RunString("(function () {\n\"use strict\";\n" + s.Source + "\n})()")
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if interrupted.Value() == errJSTimeout {
				return nil, timeoutError(JavaScript, s.Timeout.String())
			}
			return nil, timeoutError(JavaScript, "context deadline")
		}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return nil, runtimeError(JavaScript, exc.Value().String())
		}
		return nil, runtimeError(JavaScript, err.Error())
	}

	if value == nil || goja.IsUndefined(value) {
		value = vm.Get("result")
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}
