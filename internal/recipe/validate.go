package recipe

import (
	"errors"
	"fmt"
	"path"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Debian policy: lowercase alphanumerics plus "+-." starting with an
// alphanumeric, optionally pinned with "=version".
var debPackageRE = regexp.MustCompile(`^[a-z0-9][a-z0-9+.-]+(=[A-Za-z0-9.+~:-]+)?$`)

var envNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and the semantic rules of the pipeline.
// All violations are reported together.
func (r Recipe) Validate() error {
	var errs []error
	if err := structValidator.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				errs = append(errs, fieldError(fe))
			}
		} else {
			errs = append(errs, err)
		}
	}
	for _, pkg := range r.System.Packages {
		if pkg != "" && !debPackageRE.MatchString(pkg) {
			errs = append(errs, fmt.Errorf("system.packages: %q is not a valid package name", pkg))
		}
	}
	seen := map[string]bool{}
	for _, e := range r.Env {
		if e.Name == "" {
			continue
		}
		if !envNameRE.MatchString(e.Name) {
			errs = append(errs, fmt.Errorf("env: %q is not a valid variable name", e.Name))
		}
		if seen[e.Name] {
			errs = append(errs, fmt.Errorf("env: %s declared twice", e.Name))
		}
		seen[e.Name] = true
	}
	if err := relativePath("manifest.path", r.Manifest.Path); err != nil {
		errs = append(errs, err)
	} else if path.Clean(r.Manifest.Path) == "." {
		errs = append(errs, fmt.Errorf("manifest.path must name a file"))
	}
	if err := relativePath("source.path", r.Source.Path); err != nil {
		errs = append(errs, err)
	}
	if err := relativePath("launch.entryFile", r.Launch.EntryFile); err != nil {
		errs = append(errs, err)
	}
	if len(r.Manifest.Installer) > 0 && strings.TrimSpace(r.Manifest.Installer[0]) == "" {
		errs = append(errs, fmt.Errorf("manifest.installer: empty executable"))
	}
	if r.Launch.StartupTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("launch.startupTimeout must not be negative"))
	}
	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	field := strings.TrimPrefix(fe.Namespace(), "Recipe.")
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "min", "max":
		return fmt.Errorf("%s=%v out of range (%s %s)", field, fe.Value(), fe.Tag(), fe.Param())
	case "oneof":
		return fmt.Errorf("%s=%v must be one of [%s]", field, fe.Value(), fe.Param())
	case "ip|hostname":
		return fmt.Errorf("%s=%v is not an address", field, fe.Value())
	default:
		if fe.Param() != "" {
			return fmt.Errorf("%s=%v fails %s=%s", field, fe.Value(), fe.Tag(), fe.Param())
		}
		return fmt.Errorf("%s=%v fails %s", field, fe.Value(), fe.Tag())
	}
}

func relativePath(field, p string) error {
	p = strings.TrimSpace(p)
	if p == "" {
		return nil
	}
	if path.IsAbs(p) {
		return fmt.Errorf("%s: %q must be relative to the build context", field, p)
	}
	if clean := path.Clean(p); clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%s: %q escapes the build context", field, p)
	}
	return nil
}
