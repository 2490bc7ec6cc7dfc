// Package achievement содержит каталог достижений и чистые правила их получения.
//
// Пакет определяет:
//
//   - Definition - неизменяемое описание достижения (категория, класс повторяемости, награда)
//   - Snapshot - срез активностей пользователя в одной области (курс или весь сайт)
//   - Evaluator - чистая функция (snapshot, dedup) -> Result
//   - Registry - явное отображение id -> (Definition, Evaluator) со статической проверкой
//   - MetaRule - составное достижение "не менее 2 из набора базовых"
//
// # Порядок
//
// Все правила, которые сканируют выполнения, сортируют активности по времени
// выполнения по возрастанию, при равенстве - по id активности. Это делает ключи
// пар детерминированными между повторными проходами:
//
//	key := PairKey(prev, next) // "10|11", порядок источника сохраняется
//
// # Результат
//
// Правило возвращает один из трёх статусов: Qualified, NotQualified, NotEvaluable.
// Ошибки коллабораторов сюда не попадают, правила не делают ввода-вывода.
//
//	reg := DefaultRegistry()
//	if err := reg.Validate(); err != nil { ... }
//	eval, _ := reg.Evaluator(IDFirstActivity)
//	res := eval.Evaluate(snap, DedupView{})
package achievement
