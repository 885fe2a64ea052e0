package subscription

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/lumenize/lumenize-sub005/internal/apperr"
)

// diffForNotification computes the RFC 7396 merge patch that transforms
// previousValue into currentValue, for the patch-subscription fanout path.
func diffForNotification(previousValue, currentValue json.RawMessage) (json.RawMessage, error) {
	patch, err := jsonpatch.CreateMergePatch(previousValue, currentValue)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindParameterValidation, "diff entity values for notification", err)
	}
	return patch, nil
}
