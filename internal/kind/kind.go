// Package kind describes the generation job kinds a task can be submitted as.
//
// Every kind implements the same capability contract: it knows its provider model,
// validates and shapes the caller arguments into provider arguments and estimates
// the cost of a job. Kinds are dispatched by name through an explicit Registry.
package kind

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/h2a-dev/genq/internal/model"
)

// Category groups kinds by the media they generate.
type Category string

const (
	CategoryImage  Category = "image"
	CategoryVideo  Category = "video"
	CategoryMusic  Category = "music"
	CategorySpeech Category = "speech"
)

// Kind is the capability contract of a job kind.
type Kind interface {
	Name() string
	ModelID() string
	Category() Category
	Description() string
	// Prepare validates the caller arguments and returns the provider arguments.
	Prepare(args map[string]any) (map[string]any, error)
	// Cost estimates the cost in USD of a job with the given arguments.
	Cost(args map[string]any) (float64, error)
}

// Registry is a set of kinds indexed by name. It's safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry returns a registry with the kinds.
func NewRegistry(kinds ...Kind) (*Registry, error) {
	r := &Registry{kinds: map[string]Kind{}}
	for _, k := range kinds {
		if err := r.Register(k); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a kind to the registry.
func (r *Registry) Register(k Kind) error {
	if k == nil || k.Name() == "" || k.ModelID() == "" {
		return fmt.Errorf("kind name and model id are required: %w", model.ErrNotValid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.kinds[k.Name()]; ok {
		return fmt.Errorf("kind %q: %w", k.Name(), model.ErrAlreadyExists)
	}
	r.kinds[k.Name()] = k
	return nil
}

// Get returns a kind by name.
func (r *Registry) Get(name string) (Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k, ok := r.kinds[name]
	if !ok {
		return nil, fmt.Errorf("unknown kind %q (valid: %s): %w", name, strings.Join(r.namesLocked(), ", "), model.ErrNotValid)
	}
	return k, nil
}

// List returns all the kinds sorted by name.
func (r *Registry) List() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.kinds))
	for _, name := range r.namesLocked() {
		kinds = append(kinds, r.kinds[name])
	}
	return kinds
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.kinds))
	for n := range r.kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definition is a Kind whose arguments are decoded into P and validated with
// the `validate` struct tags of P.
type Definition[P any] struct {
	KindName        string
	KindModelID     string
	KindCategory    Category
	KindDescription string
	// Defaults returns the parameters before decoding the arguments on top.
	Defaults func() P
	// Check runs extra validations after the struct tags.
	Check func(P) error
	// Shape returns the provider arguments that override the caller ones, a nil
	// value removes the argument.
	Shape func(P) map[string]any
	// Estimate returns the cost of the job.
	Estimate func(P) float64
}

func (d Definition[P]) Name() string        { return d.KindName }
func (d Definition[P]) ModelID() string     { return d.KindModelID }
func (d Definition[P]) Category() Category  { return d.KindCategory }
func (d Definition[P]) Description() string { return d.KindDescription }

// Prepare validates the arguments and merges the shaped parameters on top of them,
// unknown caller arguments are passed through to the provider.
func (d Definition[P]) Prepare(args map[string]any) (map[string]any, error) {
	p, err := d.decode(args)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	if d.Shape != nil {
		for k, v := range d.Shape(p) {
			if v == nil {
				delete(out, k)
				continue
			}
			out[k] = v
		}
	}
	return out, nil
}

// Cost validates the arguments and estimates the job cost.
func (d Definition[P]) Cost(args map[string]any) (float64, error) {
	p, err := d.decode(args)
	if err != nil {
		return 0, err
	}
	if d.Estimate == nil {
		return 0, nil
	}
	return d.Estimate(p), nil
}

func (d Definition[P]) decode(args map[string]any) (P, error) {
	var p P
	if d.Defaults != nil {
		p = d.Defaults()
	}

	data, err := json.Marshal(args)
	if err != nil {
		return p, fmt.Errorf("could not encode arguments: %w: %w", model.ErrNotValid, err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("invalid %s arguments: %w: %s", d.KindName, model.ErrNotValid, decodeErrorMessage(err))
	}

	if err := validate.Struct(p); err != nil {
		return p, fmt.Errorf("invalid %s arguments: %w: %s", d.KindName, model.ErrNotValid, validationMessage(err))
	}
	if d.Check != nil {
		if err := d.Check(p); err != nil {
			return p, fmt.Errorf("invalid %s arguments: %w: %w", d.KindName, model.ErrNotValid, err)
		}
	}

	return p, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report argument names instead of Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "gte", "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param()))
		case "lte", "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
		case "url", "http_url":
			msgs = append(msgs, fmt.Sprintf("%s must be a valid URL", fe.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func decodeErrorMessage(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("%s must be a %s", typeErr.Field, typeErr.Type)
	}
	return err.Error()
}
