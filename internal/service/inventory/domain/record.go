package domain

import (
	"fmt"
	"time"
)

// Item 是一次批量操作中的单个条目: 某个 SKU 要动多少件。
type Item struct {
	SKU      string `json:"sku"`
	Quantity int64  `json:"quantity"`
}

// InventoryRecord 是每个 SKU 的计数器记录。
// 不变量: Available + Reserved + Sold == Total，且三个计数器都 >= 0。
// 记录只能被原子引擎的操作修改，其他组件不允许直接改计数器。
type InventoryRecord struct {
	SKU       string
	Available int64
	Reserved  int64
	Sold      int64
	Total     int64
}

// CanReserve 报告这个 SKU 当前是否还有可预占的库存。
func (r *InventoryRecord) CanReserve() bool {
	return r.Available > 0
}

// StockLevel 是批量库存查询的只读结果。未初始化的 SKU 全部字段为零值。
type StockLevel struct {
	SKU        string `json:"sku"`
	Available  int64  `json:"available"`
	Reserved   int64  `json:"reserved"`
	Total      int64  `json:"total"`
	CanReserve bool   `json:"can_reserve"`
}

// ReservationStatus 定义了预占记录的生命周期状态。
// active 是唯一的非终态，commit/release 各自把它带进一个终态。
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationReleased  ReservationStatus = "released"
	ReservationCommitted ReservationStatus = "committed"
)

// ReservationRecord 代表一次对单个 SKU 的临时库存占用。
// 身份由 {sku, 创建时间, 序号} 三元组构成，见 FormatReservationKey。
type ReservationRecord struct {
	Key       string
	SKU       string
	Quantity  int64
	Status    ReservationStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsActive 报告记录是否还处于可 commit/release 的状态。
func (r *ReservationRecord) IsActive() bool {
	return r.Status == ReservationActive
}

// ExpiredAt 报告记录在给定时刻是否已超时。
func (r *ReservationRecord) ExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// FormatReservationKey 生成预占记录的逻辑键: res:<sku>:<createdAtUnix>:<seq>。
func FormatReservationKey(sku string, createdAt time.Time, seq int64) string {
	return fmt.Sprintf("res:%s:%d:%d", sku, createdAt.Unix(), seq)
}

// StockRef 是 commit/release 的操作目标。
// ReservationKey 非空时按预占记录处理；否则是不经过预占记录的
// 管理员直连形式，直接对 SKU 的计数器做调整。
type StockRef struct {
	ReservationKey string `json:"reservation_key,omitempty"`
	SKU            string `json:"sku,omitempty"`
	Quantity       int64  `json:"quantity,omitempty"`
}

// Keyed 报告这个引用是否指向一条预占记录。
func (r StockRef) Keyed() bool {
	return r.ReservationKey != ""
}
