package patching

import (
	"context"
	"fmt"
)

// Confirmer decides whether reboot-required updates may be installed.
type Confirmer interface {
	Confirm(ctx context.Context, vm VMInfo, updates []UpdateRecord) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, vm VMInfo, updates []UpdateRecord) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, vm VMInfo, updates []UpdateRecord) (bool, error) {
	return f(ctx, vm, updates)
}

// AutoAccept approves every request.
var AutoAccept Confirmer = ConfirmFunc(func(context.Context, VMInfo, []UpdateRecord) (bool, error) {
	return true, nil
})

// DeclineReboots refuses every request, leaving reboot updates pending.
var DeclineReboots Confirmer = ConfirmFunc(func(context.Context, VMInfo, []UpdateRecord) (bool, error) {
	return false, nil
})

// ConfirmerForPolicy maps the reboot_policy setting to a Confirmer.
func ConfirmerForPolicy(policy string) (Confirmer, error) {
	switch policy {
	case "", "accept":
		return AutoAccept, nil
	case "decline":
		return DeclineReboots, nil
	default:
		return nil, fmt.Errorf("unknown reboot policy %q", policy)
	}
}
