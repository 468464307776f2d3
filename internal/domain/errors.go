package domain

import "errors"

// Сигнальные ошибки конвейера. Классификация повторяет политику распространения:
// фатальные для этапа ошибки прерывают этап, по-штучные — только текущий пост.
var (
	// ErrNotFound сущность отсутствует в хранилище.
	ErrNotFound = errors.New("сущность не найдена")
	// ErrAuthentication нет валидной сессии и свежий логин отклонён.
	// Фатальна для этапа выгрузки: требуется действие оператора.
	ErrAuthentication = errors.New("аутентификация отклонена")
	// ErrSessionExpired платформа отозвала сохранённую сессию.
	ErrSessionExpired = errors.New("сессия платформы истекла")
	// ErrTransientNetwork временная сетевая ошибка, исчерпавшая повторы.
	ErrTransientNetwork = errors.New("временная сетевая ошибка")
	// ErrMediaDecode медиафайл не удалось декодировать.
	ErrMediaDecode = errors.New("не удалось декодировать медиа")
	// ErrSchemaValidation ответ LLM не прошёл валидацию схемы.
	ErrSchemaValidation = errors.New("ответ не соответствует схеме")
	// ErrInsufficientData в фактах нет обязательных полей для рендера.
	ErrInsufficientData = errors.New("недостаточно данных для рендера")
	// ErrQuotaExhausted квота LLM исчерпана, фатальна для этапа извлечения.
	ErrQuotaExhausted = errors.New("квота LLM исчерпана")
)

// FailureCategory сводит ошибку к категории для счётчиков прогресса.
func FailureCategory(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrTransientNetwork):
		return "network"
	case errors.Is(err, ErrMediaDecode):
		return "media_decode"
	case errors.Is(err, ErrSchemaValidation):
		return "schema_validation"
	case errors.Is(err, ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, ErrQuotaExhausted):
		return "quota"
	default:
		return "other"
	}
}

// StageFatal сообщает, должна ли ошибка прервать этап целиком.
func StageFatal(err error) bool {
	return errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrQuotaExhausted)
}
