package telegram

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configXML = `<?xml version="1.0" encoding="UTF-8"?>
<device>
  <bus-interface-list>
    <bus-interface network-id="1">
      <data-set-list>
        <dataset name="speedData" size="10">
          <element name="a" type="UINT16" offset="0"/>
          <element name="b" type="UINT32" offset="2"/>
          <element name="c" type="STRING" offset="6" size="4"/>
          <comment>not a field: no name attribute</comment>
        </dataset>
        <DataSet id="doorData">
          <field name="locked" type="BOOL" offset="0" bitoffs="2" bitOffset="5"/>
          <field name="codes" type="UINT16" offset="1" array="2" arraySize="3"/>
          <field name="payload" offset="7" size="2"/>
        </DataSet>
      </data-set-list>
      <telegram-list>
        <pd comid="1001" dataset="speedData" name="speed" dir="tx"
            srcIp="10.0.0.1" destIp="239.0.0.5" destPort="17224"
            ttl="64" qos="5" cycle="100"/>
        <PD comId="1002" datasetName="speedData" dir="rx" comment="speed echo"/>
        <md id="3001" dsName="doorData" type="MD" direction="tx"
            expectedReplies="2" replyTimeout="250" confirmTimeout="500"/>
        <Telegram datasetRef="doorData" flags="0x20" type="MD">
          <comId>4001</comId>
        </Telegram>
        <comid>
          <ComId>5001</ComId>
          <dataSet>speedData</dataSet>
        </comid>
        <pd dataset="speedData"/>
        <pd comid="6001" dataset="missingData"/>
      </telegram-list>
    </bus-interface>
  </bus-interface-list>
</device>`

func TestParseXMLDatasets(t *testing.T) {
	datasets, _, err := ParseXML([]byte(configXML))
	require.NoError(t, err)
	require.Len(t, datasets, 2)

	byName := map[string]DatasetDef{}
	for _, ds := range datasets {
		byName[ds.Name] = ds
	}

	speed, ok := byName["speedData"]
	require.True(t, ok, "name attribute")
	assert.Equal(t, 10, speed.Size)
	require.Len(t, speed.Fields, 3, "children without a name attribute are not fields")
	assert.Equal(t, FieldDef{Name: "a", Type: TypeUint16, Offset: 0, ArrayLength: 1}, speed.Fields[0])
	assert.Equal(t, FieldDef{Name: "c", Type: TypeString, Offset: 6, Size: 4, ArrayLength: 1}, speed.Fields[2])

	door, ok := byName["doorData"]
	require.True(t, ok, "id attribute works as dataset name")
	require.Len(t, door.Fields, 3)
	assert.Equal(t, 5, door.Fields[0].BitOffset, "bitOffset attribute overrides bitoffs")
	assert.Equal(t, 3, door.Fields[1].ArrayLength, "arraySize attribute overrides array")
	assert.Equal(t, TypeBytes, door.Fields[2].Type, "missing type defaults to bytes")
}

func TestParseXMLTelegrams(t *testing.T) {
	_, telegrams, err := ParseXML([]byte(configXML))
	require.NoError(t, err)

	byComID := map[uint32]TelegramDef{}
	for _, tg := range telegrams {
		byComID[tg.ComID] = tg
	}
	// 1001, 1002, 3001, 4001, 5001, 6001; the element without any ComId is
	// dropped. 6001 survives parsing; only registration resolves datasets.
	require.Len(t, byComID, 6)

	speed := byComID[1001]
	assert.Equal(t, "speed", speed.Name)
	assert.Equal(t, "speedData", speed.DatasetName)
	assert.Equal(t, DirectionTx, speed.Direction)
	assert.Equal(t, TelegramPD, speed.Type)
	assert.Equal(t, "10.0.0.1", speed.SrcIP.String())
	assert.Equal(t, "239.0.0.5", speed.DestIP.String())
	assert.Equal(t, uint16(17224), speed.DestPort)
	assert.Equal(t, uint8(64), speed.TTL)
	assert.Equal(t, uint8(5), speed.QoS)
	assert.Equal(t, 100*time.Millisecond, speed.Cycle)

	echo := byComID[1002]
	assert.Equal(t, DirectionRx, echo.Direction)
	assert.Equal(t, "speed echo", echo.Name, "comment attribute names the telegram")
	assert.Equal(t, "speedData", echo.DatasetName, "datasetName alias")

	door := byComID[3001]
	assert.Equal(t, TelegramMD, door.Type)
	assert.Equal(t, "doorData", door.DatasetName, "dsName alias")
	assert.Equal(t, uint32(2), door.ExpectedReplies)
	assert.Equal(t, 250*time.Millisecond, door.ReplyTimeout)
	assert.Equal(t, 500*time.Millisecond, door.ConfirmTimeout)
	assert.Equal(t, "ComId3001", door.Name, "fallback name from the ComId")

	generic := byComID[4001]
	assert.Equal(t, "doorData", generic.DatasetName, "datasetRef alias")
	assert.Equal(t, uint32(0x20), generic.Flags, "hex flags")
	assert.Equal(t, TelegramMD, generic.Type, "type attribute decides for telegram elements")

	nested := byComID[5001]
	assert.Equal(t, "speedData", nested.DatasetName, "dataSet child element text")
	assert.Equal(t, TelegramPD, nested.Type)
}

func TestParseXMLTelegramTagVariants(t *testing.T) {
	// Tool exports wrap the type into longer element names; any tag
	// containing PD or MD carries a telegram.
	doc := `<device>
	  <data-set-list>
	    <dataset name="d" size="2"><e name="x" type="UINT16" offset="0"/></dataset>
	  </data-set-list>
	  <pd-pub comid="1" dataset="d"/>
	  <MdTelegram comid="2" dataset="d"/>
	  <telegram comid="3" dataset="d"/>
	</device>`

	_, telegrams, err := ParseXML([]byte(doc))
	require.NoError(t, err)

	byComID := map[uint32]TelegramDef{}
	for _, tg := range telegrams {
		byComID[tg.ComID] = tg
	}
	require.Len(t, byComID, 3)
	assert.Equal(t, TelegramPD, byComID[1].Type)
	assert.Equal(t, TelegramMD, byComID[2].Type, "MD in the element name selects MD")
	assert.Equal(t, TelegramPD, byComID[3].Type)
}

func TestParseXMLErrors(t *testing.T) {
	_, _, err := ParseXML([]byte("<device><unterminated"))
	assert.Error(t, err)

	_, _, err = ParseXML([]byte("   "))
	assert.Error(t, err, "no root element")
}

func TestRegistryLoadXMLBytes(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.LoadXMLBytes([]byte(configXML)))

	datasets, telegrams := reg.Counts()
	assert.Equal(t, 2, datasets)
	assert.Equal(t, 5, telegrams, "the telegram naming a missing dataset is skipped")

	_, ok := reg.Telegram(6001)
	assert.False(t, ok)

	rt := reg.GetOrCreateRuntime(1001)
	require.NotNil(t, rt)
	assert.Equal(t, 10, rt.BufferSize())
}

func TestRegistryLoadXMLBytesReplaces(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.LoadXMLBytes([]byte(configXML)))

	minimal := `<device>
	  <dataset name="only"><element name="x" type="UINT8" offset="0"/></dataset>
	  <pd comid="7001" dataset="only"/>
	</device>`
	require.NoError(t, reg.LoadXMLBytes([]byte(minimal)))

	datasets, telegrams := reg.Counts()
	assert.Equal(t, 1, datasets, "reload clears the previous content")
	assert.Equal(t, 1, telegrams)
	_, ok := reg.Telegram(1001)
	assert.False(t, ok)
}

func TestRegistryLoadXMLBytesFailureLeavesEmpty(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.LoadXMLBytes([]byte(configXML)))

	err := reg.LoadXMLBytes([]byte("<broken"))
	require.Error(t, err)

	datasets, telegrams := reg.Counts()
	assert.Equal(t, 0, datasets, "failed reload leaves the registry empty, not stale")
	assert.Equal(t, 0, telegrams)
}

func TestRegistryLoadXMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trdp-config.xml")
	require.NoError(t, os.WriteFile(path, []byte(configXML), 0o644))

	reg := NewRegistry(nil)
	require.NoError(t, reg.LoadXML(path))
	datasets, telegrams := reg.Counts()
	assert.Equal(t, 2, datasets)
	assert.Equal(t, 5, telegrams)

	err := reg.LoadXML(filepath.Join(dir, "nope.xml"))
	require.Error(t, err)
	datasets, telegrams = reg.Counts()
	assert.Equal(t, 0, datasets)
	assert.Equal(t, 0, telegrams)
}
