package extract

// ObjectTypeMap maps the first path component of a relative path to a 1C
// metadata object type.
var ObjectTypeMap = map[string]string{
	"Catalogs":                    "Catalog",
	"Documents":                   "Document",
	"Reports":                     "Report",
	"DataProcessors":              "DataProcessor",
	"InformationRegisters":        "InformationRegister",
	"AccumulationRegisters":       "AccumulationRegister",
	"ChartsOfCharacteristicTypes": "ChartOfCharacteristicTypes",
	"CommonModules":               "CommonModule",
	"Enums":                       "Enum",
	"Constants":                   "Constant",
}

// ModuleKindMap maps a module's file stem (or, failing that, the part of
// its third path segment before the first dot) to its module kind.
var ModuleKindMap = map[string]string{
	"ObjectModule":  "ObjectModule",
	"ManagerModule": "ManagerModule",
	"FormModule":    "FormModule",
	"CommandModule": "CommandModule",
	"CommonModule":  "CommonModule",
}

// ExecSideDirectives maps a &-directive token to its execution side.
var ExecSideDirectives = map[string]string{
	"НаКлиенте":                     "Client",
	"НаСервере":                     "Server",
	"НаСервереБезКонтекста":         "Server",
	"НаКлиентеНаСервереБезКонтекста": "ClientServer",
	"НаКлиентеНаСервере":            "ClientServer",
}

// ReservedCallNames are 1C keywords that the CALLS regex must never treat
// as a routine invocation.
var ReservedCallNames = map[string]bool{
	"Если":        true,
	"Тогда":       true,
	"Иначе":       true,
	"КонецЕсли":   true,
	"Для":         true,
	"Каждого":     true,
	"Цикл":        true,
	"КонецЦикла":  true,
	"Попытка":     true,
	"Исключение":  true,
	"КонецПопытки": true,
	"Возврат":     true,
	"Продолжить":  true,
	"Прервать":    true,
}

// RegisterPrefixes maps a register-family token to its node label.
var RegisterPrefixes = map[string]string{
	"РегистрыНакопления": "AccumulationRegister",
	"РегистрыСведений":   "InformationRegister",
}

// ReferencePrefixes maps a reference-type token to its Object type. This
// is the canonical singular form (not the plural form found in the
// stripped copy of the original extractor).
var ReferencePrefixes = map[string]string{
	"Документ":                  "Document",
	"Справочник":                 "Catalog",
	"ПланОбмена":                 "ExchangePlan",
	"ПланВидовХарактеристик":     "ChartOfCharacteristicTypes",
}

// registerWriteTokens/registerReadTokens are the bilingual tokens searched
// for within a window around a register hit to classify it as a read or a
// write.
var registerWriteTokens = []string{
	"Записать", "ДобавитьДвижение", "НаборЗаписей", "Write", "RecordSet",
}

var registerReadTokens = []string{
	"Прочитать", "Выбрать", "ВыбратьДвижения", "Read", "Select",
}

// roleActionTable maps a bilingual right token to a normalised action
// name.
var roleActionTable = map[string]string{
	"Чтение":          "Read",
	"Read":            "Read",
	"Запись":          "Write",
	"Write":           "Write",
	"Добавление":      "Insert",
	"Insert":          "Insert",
	"Удаление":        "Delete",
	"Delete":          "Delete",
	"Просмотр":        "View",
	"View":            "View",
	"Редактирование":  "Edit",
	"Edit":            "Edit",
	"ИнтерактивнаяВставка": "InteractiveInsert",
}

// allowedHTTPMethods is the verb allow-list for HTTPService URLTemplate
// extraction; verbs outside this set are skipped with a warning.
var allowedHTTPMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}
