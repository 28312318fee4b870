package accessor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"fundsettle/internal/fault"
	"fundsettle/internal/models"
)

// VaultAction - действие над реестром активов, доступное расширениям
type VaultAction int

// Закрытый набор действий, 1:1 с точками входа реестра
const (
	ActionAddTrackedAsset VaultAction = iota + 1
	ActionRemoveTrackedAsset
	ActionAddPersistentlyTrackedAsset
	ActionRemovePersistentlyTrackedAsset
	ActionWithdrawAssetTo
	ActionApproveAssetSpender
	ActionMintShares
	ActionBurnShares
	ActionTransferShares
)

var actionNames = map[VaultAction]string{
	ActionAddTrackedAsset:                "add_tracked_asset",
	ActionRemoveTrackedAsset:             "remove_tracked_asset",
	ActionAddPersistentlyTrackedAsset:    "add_persistently_tracked_asset",
	ActionRemovePersistentlyTrackedAsset: "remove_persistently_tracked_asset",
	ActionWithdrawAssetTo:                "withdraw_asset_to",
	ActionApproveAssetSpender:            "approve_asset_spender",
	ActionMintShares:                     "mint_shares",
	ActionBurnShares:                     "burn_shares",
	ActionTransferShares:                 "transfer_shares",
}

// String реализует fmt.Stringer
func (a VaultAction) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("vault_action(%d)", int(a))
}

// VaultActionArgs - аргументы действия (используются поля, нужные действию)
//
//	Asset   - актив (tracked/withdraw/approve)
//	Target  - получатель вывода или spender
//	Account - владелец долей (mint/burn/transfer from)
//	To      - получатель долей при transfer
type VaultActionArgs struct {
	Asset   models.Address
	Target  models.Address
	Account models.Address
	To      models.Address
	Amount  decimal.Decimal
}

// PermissionedVaultAction выполняет действие над реестром от имени роутера
//
// Вызывающий должен быть зарегистрированным расширением, роутер - активирован.
func (r *ActionRouter) PermissionedVaultAction(caller models.Address, action VaultAction, args VaultActionArgs) error {
	if err := r.assertActive(); err != nil {
		return err
	}
	if !r.extensions[caller] {
		return fault.ErrUnauthorized
	}

	v := r.state.vault
	switch action {
	case ActionAddTrackedAsset:
		return v.AddTrackedAsset(r.address, args.Asset)
	case ActionRemoveTrackedAsset:
		return v.RemoveTrackedAsset(r.address, args.Asset)
	case ActionAddPersistentlyTrackedAsset:
		return v.AddPersistentlyTrackedAsset(r.address, args.Asset)
	case ActionRemovePersistentlyTrackedAsset:
		return v.RemovePersistentlyTrackedAsset(r.address, args.Asset)
	case ActionWithdrawAssetTo:
		return v.WithdrawAssetTo(r.address, args.Asset, args.Target, args.Amount)
	case ActionApproveAssetSpender:
		return v.ApproveAssetSpender(r.address, args.Asset, args.Target, args.Amount)
	case ActionMintShares:
		return v.MintShares(r.address, args.Account, args.Amount)
	case ActionBurnShares:
		return v.BurnShares(r.address, args.Account, args.Amount)
	case ActionTransferShares:
		return v.TransferShares(r.address, args.Account, args.To, args.Amount)
	default:
		return fmt.Errorf("%w: unknown vault action %d", fault.ErrInvalidArgs, int(action))
	}
}
