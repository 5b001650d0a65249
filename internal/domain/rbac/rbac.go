// Пакет rbac: определение роли пользователя портала по группам identity-сервиса.
// Роль staff старше client: staff управляет назначениями и видит историю всех компаний.
package rbac

// Роли в порядке возрастания привилегий.
const (
	RoleClient = "client"
	RoleStaff  = "staff"
)

// roleWeight: вес роли для сравнения.
var roleWeight = map[string]int{
	RoleClient: 1,
	RoleStaff:  2,
}

// maxRole возвращает роль с максимальными привилегиями из двух.
func maxRole(a, b string) string {
	if roleWeight[a] >= roleWeight[b] {
		return a
	}
	return b
}

// HighestRole возвращает максимальную роль из набора.
// Если набор пуст: возвращает пустую строку.
func HighestRole(roles []string) string {
	if len(roles) == 0 {
		return ""
	}
	highest := roles[0]
	for _, r := range roles[1:] {
		highest = maxRole(highest, r)
	}
	return highest
}

// MapGroupsToRole определяет роль по группам пользователя.
// Если ни одна группа не совпала: возвращает пустую строку.
func MapGroupsToRole(groups []string, staffGroups, clientGroups []string) string {
	staffSet := toSet(staffGroups)
	clientSet := toSet(clientGroups)

	var roles []string
	for _, g := range groups {
		if staffSet[g] {
			roles = append(roles, RoleStaff)
		}
		if clientSet[g] {
			roles = append(roles, RoleClient)
		}
	}

	return HighestRole(roles)
}

// IsValidRole проверяет, является ли строка допустимой ролью.
func IsValidRole(role string) bool {
	_, ok := roleWeight[role]
	return ok
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}
