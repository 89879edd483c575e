package framing

// headerDictionary is the fixed zlib dictionary mandated by the SPDY
// draft specs for compressing and decompressing header blocks. Both
// peers must seed their compressor and decompressor with these exact
// bytes, or the streams will not agree. It is the same dictionary for
// V2 and V3.
var headerDictionary = []byte(
	"optionsgetheadpostputdeletetraceacceptaccept-charsetaccept-encodingaccept-" +
		"languageauthorizationexpectfromhostif-modified-sinceif-matchif-none-matchi" +
		"f-rangeif-unmodifiedsincemax-forwardsproxy-authorizationrangerefererteuser" +
		"-agent10010120020220320420520630030130230330430530630740040140240340440540" +
		"6407408409410411412413414415416417500501502503504505accept-rangesageetagl" +
		"ocationproxy-authenticatepublicretry-afterservervarywarningwww-authentic" +
		"ateallowcontent-basecontent-encodingcache-controlconnectiondatetrailertra" +
		"nsfer-encodingupgradeviawarningcontent-languagecontent-lengthcontent-loc" +
		"ationcontent-md5content-rangecontent-typeetagexpireslast-modifiedset-coo" +
		"kieMondayTuesdayWednesdayThursdayFridaySaturdaySundayJanFebMarAprMayJunJ" +
		"ulAugSepOctNovDecchunkedtext/htmlimage/pngimage/jpgimage/gifapplication/" +
		"xmlapplication/xhtmltext/plainpublicmax-agecharset=iso-8859-1utf-8gzipde" +
		"flateHTTP/1.1statusversionurl\x00")
