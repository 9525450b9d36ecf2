// Package membership реализует политику уровней членства покупателей.
package membership

// Tier описывает уровень членства и его скидку в процентах.
type Tier struct {
	ID       int64
	Name     string
	Discount float64
}

// Уровни членства в порядке возрастания. Идентификаторы совпадают с записями
// справочника memberships в БД.
var (
	Bronze = Tier{ID: 1, Name: "Bronze", Discount: 0}
	Silver = Tier{ID: 2, Name: "Silver", Discount: 15}
	Gold   = Tier{ID: 3, Name: "Gold", Discount: 30}
)

// Пороги суммарного количества товаров в завершённых заказах.
const (
	silverThreshold = 15
	goldThreshold   = 30
)

// TierFor возвращает уровень членства по суммарному количеству товаров
// в завершённых заказах пользователя.
func TierFor(totalQuantity int64) Tier {
	switch {
	case totalQuantity >= goldThreshold:
		return Gold
	case totalQuantity >= silverThreshold:
		return Silver
	default:
		return Bronze
	}
}

// ByID возвращает уровень членства по идентификатору.
func ByID(id int64) (Tier, bool) {
	switch id {
	case Bronze.ID:
		return Bronze, true
	case Silver.ID:
		return Silver, true
	case Gold.ID:
		return Gold, true
	}
	return Tier{}, false
}
