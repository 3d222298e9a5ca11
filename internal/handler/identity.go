package handler

import (
	"fmt"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// resolveActor reconciles the authenticated caller with the actor named in
// the payload. Either may be empty; when both are set they must agree.
func resolveActor(authenticated, claimed, field string) (string, error) {
	switch {
	case authenticated == "":
		return claimed, nil
	case claimed == "" || claimed == authenticated:
		return authenticated, nil
	}
	return "", errors.New(errors.ErrCodeUnauthorized,
		fmt.Sprintf("%s %q does not match the authenticated user", field, claimed)).
		WithDetail("field", field)
}
