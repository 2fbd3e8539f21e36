package evidence

import "github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"

var (
	errNilItem   = errs.Invalid("evidence batch contains a nil item")
	errMissingID = errs.Invalid("evidence item has no id")
)

func duplicateID(id string) error {
	return errs.Conflict("evidence item %s already exists", id)
}

func invalidItem(err error) error {
	return errs.WrapKind(err, errs.KindInvalid, "invalid evidence")
}

// ItemNotFound is returned for unknown item ids.
func ItemNotFound(id string) error {
	return errs.NotFound("evidence item %s not found", id)
}

// CollectionNotFound is returned for unknown collection ids.
func CollectionNotFound(id string) error {
	return errs.NotFound("evidence collection %s not found", id)
}
