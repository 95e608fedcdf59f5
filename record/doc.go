// Package record contains the Event type, the unit a caller submits
// for publication, and the encoder that turns it into the bytes placed
// in a record batch.
//
// You can create a new Event by calling New:
//
//	ev := record.New("my-topic", []byte("simple string event"))
//
// The value is opaque to this package: use a codec to serialize
// application values first, or call NewFromValue:
//
//	ev, err := record.NewFromValue("my-topic", account, codec.JSON())
//
// New can also be passed zero, one or many additional Options. An
// Option is a function that receives a pointer to the Event and can
// modify it directly prior to it being returned by New.
// For example, if you want to create an Event with a key and two
// headers you could request it as follows:
//
//	ev := record.New("events", value,
//		record.StrKey("jim"),
//		record.Header("tag1", "xxx1"),
//		record.Header("tag2", "xxx2"),
//	)
//
// Unlike a map, headers keep the order in which they were added, and
// that order is carried unchanged onto the wire. The same header name
// may appear more than once.
package record
